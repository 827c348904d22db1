// Package recipe turns free-form model output into a bounded, validated
// recipe object.
//
// Extraction and validation are separate steps with separate failure modes:
// extraction recovers a JSON object from text that may be fenced or wrapped
// in prose; validation enforces the non-empty required fields and clamps
// every string and list to a fixed bound. The bounds are a security control —
// they cap memory and storage against a malicious or malfunctioning upstream,
// not just a presentation nicety.
package recipe

import (
	"encoding/json"
	"strings"
)

// Field and list bounds applied during validation.
const (
	MaxTitleLen      = 200
	MaxTextLen       = 500
	MaxStepLen       = 1000
	MaxIngredients   = 100
	MaxSteps         = 100
	MaxTags          = 20
	MaxTagLen        = 50
	MaxIngredientLen = 300
)

// Ingredient is one entry of the ingredient list.
type Ingredient struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

// UnmarshalJSON accepts either a bare string ("2 cups flour") or the full
// object form. Models switch between the two freely, so both must decode.
func (i *Ingredient) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i.Name = s
		return nil
	}

	type plain Ingredient
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = Ingredient(p)
	return nil
}

// Draft is the raw decoded object recovered from model text. Field values
// are untrusted and unbounded until Validate promotes the draft to a Recipe.
type Draft struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []string     `json:"steps"`
	PrepTime    string       `json:"prep_time"`
	CookTime    string       `json:"cook_time"`
	Servings    string       `json:"servings"`
	Tags        []string     `json:"tags"`
}

// Recipe is a validated, bounded recipe. Construct only through Validate.
type Recipe struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []string     `json:"steps"`
	PrepTime    string       `json:"prep_time"`
	CookTime    string       `json:"cook_time"`
	Servings    string       `json:"servings"`
	Tags        []string     `json:"tags"`
}

// truncate trims and caps s at max runes.
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
