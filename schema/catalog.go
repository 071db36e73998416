package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CapabilityStructuredOutput is the capability every built-in schema needs.
const CapabilityStructuredOutput = "structured_output"

// catalogFile is the YAML layout read by LoadCatalog.
type catalogFile struct {
	Schemas []*Schema `yaml:"schemas"`
}

// LoadCatalog reads schema definitions from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses schema definitions from YAML bytes. Schemas without
// capabilities get structured_output.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema catalog: %w", err)
	}
	if len(f.Schemas) == 0 {
		return nil, fmt.Errorf("schema catalog: no schemas defined")
	}
	for _, s := range f.Schemas {
		if s != nil && len(s.Capabilities) == 0 {
			s.Capabilities = []string{CapabilityStructuredOutput}
		}
	}
	return NewCatalog(f.Schemas...)
}

// Builtin returns the stock tabletop content schemas.
func Builtin() *Catalog {
	c, err := NewCatalog(builtinSchemas()...)
	if err != nil {
		panic("schema: builtin catalog: " + err.Error())
	}
	return c
}

var (
	abilityFields = []Field{
		{Name: "str", Kind: KindInteger, Required: true, Repairs: []Repair{RepairNumericString}},
		{Name: "dex", Kind: KindInteger, Required: true, Repairs: []Repair{RepairNumericString}},
		{Name: "con", Kind: KindInteger, Required: true, Repairs: []Repair{RepairNumericString}},
		{Name: "int", Kind: KindInteger, Required: true, Repairs: []Repair{RepairNumericString}},
		{Name: "wis", Kind: KindInteger, Required: true, Repairs: []Repair{RepairNumericString}},
		{Name: "cha", Kind: KindInteger, Required: true, Repairs: []Repair{RepairNumericString}},
	}

	rarities = []string{"common", "uncommon", "rare", "very_rare", "legendary", "artifact"}
)

func builtinSchemas() []*Schema {
	structured := []string{CapabilityStructuredOutput}

	return []*Schema{
		{
			Name:         "npc",
			Description:  "a non-player character",
			Credits:      1,
			Capabilities: structured,
			Fields: []Field{
				{Name: "name", Kind: KindText, Required: true},
				{Name: "race", Kind: KindText, Required: true},
				{Name: "class", Kind: KindText},
				{Name: "level", Kind: KindInteger, Repairs: []Repair{RepairNumericString}},
				{Name: "alignment", Kind: KindText},
				{Name: "personality", Kind: KindText, Required: true, Repairs: []Repair{RepairListToText}},
				{Name: "appearance", Kind: KindText, Repairs: []Repair{RepairListToText}},
				{Name: "skills", Kind: KindTextList, Required: true, Repairs: []Repair{RepairScalarToList}, Description: "skill names with modifiers"},
				{Name: "abilities", Kind: KindObject, Fields: abilityFields},
				{Name: "hooks", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}, Description: "adventure hooks involving the character"},
			},
		},
		{
			Name:         "monster",
			Description:  "a creature stat block",
			Credits:      1,
			Capabilities: structured,
			Fields: []Field{
				{Name: "name", Kind: KindText, Required: true},
				{Name: "size", Kind: KindEnum, Required: true, Enum: []string{"tiny", "small", "medium", "large", "huge", "gargantuan"}},
				{Name: "type", Kind: KindText, Required: true},
				{Name: "challenge_rating", Kind: KindNumber, Required: true, Repairs: []Repair{RepairNumericString}},
				{Name: "armor_class", Kind: KindInteger, Required: true, Repairs: []Repair{RepairNumericString}},
				{Name: "hit_points", Kind: KindInteger, Required: true, Repairs: []Repair{RepairNumericString}},
				{Name: "speed", Kind: KindText, Repairs: []Repair{RepairListToText}},
				{Name: "abilities", Kind: KindObject, Required: true, Fields: abilityFields},
				{Name: "skills", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
				{Name: "actions", Kind: KindObjectList, Required: true, Fields: []Field{
					{Name: "name", Kind: KindText, Required: true},
					{Name: "description", Kind: KindText, Required: true, Repairs: []Repair{RepairListToText}},
				}},
			},
		},
		{
			Name:         "item",
			Description:  "a magic item or piece of equipment",
			Credits:      1,
			Capabilities: structured,
			Fields: []Field{
				{Name: "name", Kind: KindText, Required: true},
				{Name: "rarity", Kind: KindEnum, Required: true, Enum: rarities},
				{Name: "attunement", Kind: KindBoolean},
				{Name: "description", Kind: KindText, Required: true, Repairs: []Repair{RepairListToText}},
				{Name: "properties", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
				{Name: "value_gp", Kind: KindNumber, Repairs: []Repair{RepairNumericString}},
			},
		},
		{
			Name:         "location",
			Description:  "a place the party can visit",
			Credits:      2,
			Capabilities: structured,
			Fields: []Field{
				{Name: "name", Kind: KindText, Required: true},
				{Name: "kind", Kind: KindText, Required: true},
				{Name: "description", Kind: KindText, Required: true, Repairs: []Repair{RepairListToText}},
				{Name: "features", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
				{Name: "inhabitants", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
				{Name: "secrets", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
			},
		},
		{
			Name:         "encounter",
			Description:  "a combat or social encounter",
			Credits:      2,
			Capabilities: structured,
			Fields: []Field{
				{Name: "title", Kind: KindText, Required: true},
				{Name: "difficulty", Kind: KindEnum, Required: true, Enum: []string{"easy", "medium", "hard", "deadly"}},
				{Name: "setup", Kind: KindText, Required: true, Repairs: []Repair{RepairListToText}},
				{Name: "creatures", Kind: KindObjectList, Fields: []Field{
					{Name: "name", Kind: KindText, Required: true},
					{Name: "count", Kind: KindInteger, Required: true, Repairs: []Repair{RepairNumericString}},
				}},
				{Name: "tactics", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
				{Name: "rewards", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
			},
		},
		{
			Name:         "adventure",
			Description:  "a short adventure outline",
			Credits:      5,
			Capabilities: []string{CapabilityStructuredOutput, "long_context"},
			Fields: []Field{
				{Name: "title", Kind: KindText, Required: true},
				{Name: "synopsis", Kind: KindText, Required: true, Repairs: []Repair{RepairListToText}},
				{Name: "level_range", Kind: KindText, Repairs: []Repair{RepairListToText}, Separator: "-"},
				{Name: "scenes", Kind: KindObjectList, Required: true, Fields: []Field{
					{Name: "title", Kind: KindText, Required: true},
					{Name: "summary", Kind: KindText, Required: true, Repairs: []Repair{RepairListToText}},
					{Name: "challenges", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
				}},
				{Name: "npcs", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
				{Name: "rewards", Kind: KindTextList, Repairs: []Repair{RepairScalarToList}},
			},
		},
	}
}
