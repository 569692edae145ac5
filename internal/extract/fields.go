package extract

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Canonical field names.
const (
	FieldListingID     = "listing_id"
	FieldListerID      = "lister_id"
	FieldListerType    = "lister_type"
	FieldSeekerID      = "seeker_id"
	FieldDevelopmentID = "development_id"
	FieldProfileID     = "profile_id"
	FieldChannel       = "channel"
	FieldLoggedIn      = "is_logged_in"
	FieldPropertyType  = "property_type"
)

// Parser names the typed parser applied to a field's raw value.
type Parser string

const (
	ParseString     Parser = "string"
	ParseStringList Parser = "strings"
	ParseBool       Parser = "bool"
)

// FieldSpec maps one canonical field to the property keys it may appear
// under, highest priority first.
type FieldSpec struct {
	Name   string   `yaml:"name"`
	Parser Parser   `yaml:"parser"`
	Keys   []string `yaml:"keys"`
	// Implies maps a key to the lister type its presence implies.
	Implies map[string]string `yaml:"implies,omitempty"`
}

// FieldsFile is the on-disk shape of an extraction table override.
type FieldsFile struct {
	Fields []FieldSpec `yaml:"fields"`
}

// DefaultFields returns the built-in extraction table.
func DefaultFields() []FieldSpec {
	return []FieldSpec{
		{
			Name:   FieldListingID,
			Parser: ParseString,
			Keys:   []string{"listing_id", "listingId", "property_id", "propertyId", "listingID", "propertyID"},
		},
		{
			Name:   FieldListerID,
			Parser: ParseString,
			Keys: []string{
				"lister_id", "listerId",
				"owner_id", "ownerId",
				"developer_id", "developerId",
				"agent_id", "agentId",
				"agency_id", "agencyId",
			},
			Implies: map[string]string{
				"developer_id": "developer",
				"developerId":  "developer",
				"agent_id":     "agent",
				"agentId":      "agent",
				"agency_id":    "agency",
				"agencyId":     "agency",
			},
		},
		{
			Name:   FieldListerType,
			Parser: ParseString,
			Keys:   []string{"lister_type", "listerType", "owner_type", "ownerType", "profile_type", "profileType"},
		},
		{
			Name:   FieldSeekerID,
			Parser: ParseString,
			Keys:   []string{"seeker_id", "seekerId", "user_id", "userId", "buyer_id", "buyerId"},
		},
		{
			Name:   FieldDevelopmentID,
			Parser: ParseString,
			Keys:   []string{"development_id", "developmentId", "project_id", "projectId"},
		},
		{
			Name:   FieldProfileID,
			Parser: ParseString,
			Keys:   []string{"profile_id", "profileId"},
		},
		{
			Name:   FieldChannel,
			Parser: ParseString,
			Keys:   []string{"channel", "impression_source", "impressionSource", "source", "list_type", "listType", "placement"},
		},
		{
			Name:   FieldLoggedIn,
			Parser: ParseBool,
			Keys:   []string{"is_logged_in", "isLoggedIn", "logged_in", "loggedIn", "authenticated"},
		},
		{
			Name:   FieldPropertyType,
			Parser: ParseStringList,
			Keys:   []string{"property_type", "propertyType", "property_types", "propertyTypes"},
		},
	}
}

// LoadFields reads an override file and merges it over the defaults. A field
// in the file replaces the default field of the same name.
func LoadFields(path string) ([]FieldSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read fields file %s", path)
	}

	var file FieldsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrapf(err, "extract: parse fields file %s", path)
	}

	fields := DefaultFields()
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		index[f.Name] = i
	}
	for _, f := range file.Fields {
		i, ok := index[f.Name]
		if !ok {
			return nil, eris.Errorf("extract: unknown field %q in %s", f.Name, path)
		}
		if f.Parser == "" {
			f.Parser = fields[i].Parser
		}
		if f.Implies == nil {
			f.Implies = fields[i].Implies
		}
		fields[i] = f
	}
	return fields, nil
}
