package schema_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ineyio/questforge/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func npc(t *testing.T) *schema.Schema {
	t.Helper()
	s, ok := schema.Builtin().Lookup("npc")
	require.True(t, ok)
	return s
}

func TestValidate_ScalarSkillRepairedToList(t *testing.T) {
	raw := `{"name":"Vex","race":"tiefling","personality":"wry","skills":"Stealth +5"}`

	res, err := schema.Validate(raw, npc(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"Stealth +5"}, res.Value["skills"])
	require.Len(t, res.Repairs, 1)
	assert.Equal(t, schema.AppliedRepair{Path: "skills", Repair: schema.RepairScalarToList}, res.Repairs[0])
}

func TestValidate_ListToTextJoinsWithSeparator(t *testing.T) {
	raw := `{"name":"Vex","race":"tiefling","personality":["wry","guarded"],"skills":["Stealth +5"]}`

	res, err := schema.Validate(raw, npc(t))
	require.NoError(t, err)
	assert.Equal(t, "wry, guarded", res.Value["personality"])
	assert.Equal(t, []string{"Stealth +5"}, res.Value["skills"])
}

func TestValidate_NumericStringRepair(t *testing.T) {
	raw := `{"name":"Vex","race":"tiefling","personality":"wry","skills":[],"level":" 7 "}`

	res, err := schema.Validate(raw, npc(t))
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Value["level"])
	assert.Equal(t, []schema.AppliedRepair{{Path: "level", Repair: schema.RepairNumericString}}, res.Repairs)
}

func TestValidate_RepairOutsideAllowListRejected(t *testing.T) {
	s := &schema.Schema{
		Name: "strict",
		Fields: []schema.Field{
			{Name: "tags", Kind: schema.KindTextList, Required: true},
			{Name: "title", Kind: schema.KindText},
			{Name: "count", Kind: schema.KindInteger},
		},
	}
	require.NoError(t, s.Check())

	cases := map[string]string{
		"scalar for list": `{"tags":"one"}`,
		"list for text":   `{"tags":[],"title":["a","b"]}`,
		"string number":   `{"tags":[],"count":"3"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := schema.Validate(raw, s)
			assert.ErrorIs(t, err, schema.ErrSchemaViolation)
		})
	}
}

func TestValidate_MissingRequiredNamesPath(t *testing.T) {
	s, ok := schema.Builtin().Lookup("adventure")
	require.True(t, ok)

	raw := `{"title":"The Sunken Vault","synopsis":"x","scenes":[{"title":"Dock","summary":"s"},{"summary":"no title"}]}`

	_, err := schema.Validate(raw, s)
	require.Error(t, err)

	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "scenes[1].title", verr.Path)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
}

func TestValidate_NullRequiredIsMissing(t *testing.T) {
	_, err := schema.Validate(`{"name":null,"race":"elf","personality":"calm","skills":[]}`, npc(t))

	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "name", verr.Path)
}

func TestValidate_MalformedEncoding(t *testing.T) {
	cases := map[string]string{
		"truncated":     `{"name":"Vex"`,
		"code fence":    "```json\n{\"name\":\"Vex\"}\n```",
		"trailing data": `{"name":"Vex"} {"name":"Other"}`,
		"empty":         ``,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := schema.Validate(raw, npc(t))
			assert.ErrorIs(t, err, schema.ErrMalformedEncoding)
			assert.NotErrorIs(t, err, schema.ErrSchemaViolation)
		})
	}
}

func TestValidate_TopLevelMustBeObject(t *testing.T) {
	_, err := schema.Validate(`["Vex"]`, npc(t))

	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "$", verr.Path)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
}

func TestValidate_EnumExactMatch(t *testing.T) {
	s, ok := schema.Builtin().Lookup("item")
	require.True(t, ok)

	_, err := schema.Validate(`{"name":"Ring","rarity":"Rare","description":"shiny"}`, s)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)

	res, err := schema.Validate(`{"name":"Ring","rarity":"rare","description":"shiny","attunement":true}`, s)
	require.NoError(t, err)
	assert.Equal(t, "rare", res.Value["rarity"])
	assert.Equal(t, true, res.Value["attunement"])
}

func TestValidate_IntegerMustBeIntegral(t *testing.T) {
	_, err := schema.Validate(`{"name":"Vex","race":"elf","personality":"calm","skills":[],"level":2.5}`, npc(t))
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)

	res, err := schema.Validate(`{"name":"Vex","race":"elf","personality":"calm","skills":[],"level":3.0}`, npc(t))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value["level"])
}

func TestValidate_IntegerPrecision(t *testing.T) {
	withLevel := func(level string) string {
		return `{"name":"Vex","race":"elf","personality":"calm","skills":[],"level":` + level + `}`
	}

	res, err := schema.Validate(withLevel("9007199254740993"), npc(t))
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), res.Value["level"])

	res, err = schema.Validate(withLevel("9223372036854775807"), npc(t))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), res.Value["level"])

	for _, level := range []string{"9223372036854775808", "-9223372036854775809", "9007199254740993.0", "1e19"} {
		_, err := schema.Validate(withLevel(level), npc(t))
		assert.ErrorIs(t, err, schema.ErrSchemaViolation, level)
	}

	res, err = schema.Validate(withLevel(`"12"`), npc(t))
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Value["level"])
}

func TestValidate_UnknownFieldsDropped(t *testing.T) {
	raw := `{"name":"Vex","race":"elf","personality":"calm","skills":[],"zz":1,"abilities":{"str":1,"dex":2,"con":3,"int":4,"wis":5,"cha":6,"luck":7}}`

	res, err := schema.Validate(raw, npc(t))
	require.NoError(t, err)

	assert.NotContains(t, res.Value, "zz")
	abilities := res.Value["abilities"].(map[string]any)
	assert.NotContains(t, abilities, "luck")
	assert.Equal(t, int64(4), abilities["int"])
	assert.Equal(t, []string{"abilities.luck", "zz"}, res.Dropped)
}

func TestValidate_NestedObjectList(t *testing.T) {
	s, ok := schema.Builtin().Lookup("encounter")
	require.True(t, ok)

	raw := `{"title":"Ambush","difficulty":"hard","setup":"bridge","creatures":[{"name":"goblin","count":"4"},{"name":"worg","count":1}],"tactics":"flank"}`

	res, err := schema.Validate(raw, s)
	require.NoError(t, err)

	creatures := res.Value["creatures"].([]map[string]any)
	require.Len(t, creatures, 2)
	assert.Equal(t, int64(4), creatures[0]["count"])
	assert.Equal(t, []string{"flank"}, res.Value["tactics"])
	assert.Equal(t, []schema.AppliedRepair{
		{Path: "creatures[0].count", Repair: schema.RepairNumericString},
		{Path: "tactics", Repair: schema.RepairScalarToList},
	}, res.Repairs)
}

func TestValidate_ListWithNonStringRejected(t *testing.T) {
	_, err := schema.Validate(`{"name":"Vex","race":"elf","personality":"calm","skills":["Stealth",5]}`, npc(t))
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)
}

func TestValidate_Deterministic(t *testing.T) {
	raw := `{"name":"Vex","race":"elf","personality":["a","b"],"skills":"Arcana","x":1,"y":2,"w":3}`

	first, err := schema.Validate(raw, npc(t))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := schema.Validate(raw, npc(t))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	bad := `{"race":"elf","skills":5}`
	_, err1 := schema.Validate(bad, npc(t))
	_, err2 := schema.Validate(bad, npc(t))
	assert.Equal(t, err1.Error(), err2.Error())
}

func TestSchemaCheck(t *testing.T) {
	cases := map[string]*schema.Schema{
		"no name":        {Fields: []schema.Field{{Name: "a", Kind: schema.KindText}}},
		"no fields":      {Name: "x"},
		"duplicate":      {Name: "x", Fields: []schema.Field{{Name: "a", Kind: schema.KindText}, {Name: "a", Kind: schema.KindText}}},
		"empty enum":     {Name: "x", Fields: []schema.Field{{Name: "a", Kind: schema.KindEnum}}},
		"unknown kind":   {Name: "x", Fields: []schema.Field{{Name: "a", Kind: "date"}}},
		"repair misfit":  {Name: "x", Fields: []schema.Field{{Name: "a", Kind: schema.KindText, Repairs: []schema.Repair{schema.RepairScalarToList}}}},
		"bare object":    {Name: "x", Fields: []schema.Field{{Name: "a", Kind: schema.KindObject}}},
		"negative price": {Name: "x", Credits: -1, Fields: []schema.Field{{Name: "a", Kind: schema.KindText}}},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.Check())
		})
	}
}

func TestBuiltin(t *testing.T) {
	c := schema.Builtin()
	assert.Equal(t, []string{"adventure", "encounter", "item", "location", "monster", "npc"}, c.Names())

	s, ok := c.Lookup("npc")
	require.True(t, ok)
	assert.Contains(t, s.Capabilities, schema.CapabilityStructuredOutput)
	assert.Contains(t, s.Instructions(), "- skills (array of strings, required)")
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schemas:
  - name: tavern
    description: a tavern
    credits: 2
    fields:
      - name: name
        kind: text
        required: true
      - name: menu
        kind: text_list
        repairs: [scalar_to_list]
`), 0o644))

	c, err := schema.LoadCatalog(path)
	require.NoError(t, err)

	s, ok := c.Lookup("tavern")
	require.True(t, ok)
	assert.Equal(t, int64(2), s.Credits)
	assert.Equal(t, []string{schema.CapabilityStructuredOutput}, s.Capabilities)

	res, err := schema.Validate(`{"name":"The Prancing Pony","menu":"ale"}`, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"ale"}, res.Value["menu"])
}

func TestParseCatalog_Invalid(t *testing.T) {
	_, err := schema.ParseCatalog([]byte("schemas: []"))
	assert.Error(t, err)

	_, err = schema.ParseCatalog([]byte("schemas:\n  - name: x\n    fields:\n      - name: a\n        kind: bogus\n"))
	assert.Error(t, err)
}

func TestClassifyText(t *testing.T) {
	v, ok := schema.ClassifyText("a")
	require.True(t, ok)
	assert.Equal(t, schema.ShapeScalar, v.Shape())
	assert.Equal(t, []string{"a"}, v.List())

	v, ok = schema.ClassifyText([]any{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, schema.ShapeSequence, v.Shape())
	assert.Equal(t, "a; b", v.Text("; "))

	_, ok = schema.ClassifyText([]any{"a", 1})
	assert.False(t, ok)
	_, ok = schema.ClassifyText(3)
	assert.False(t, ok)
}
