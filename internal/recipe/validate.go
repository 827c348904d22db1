package recipe

import (
	"strings"

	"github.com/platewise/recipe-gateway/pkg/apierr"
)

// Validate promotes a Draft to a Recipe.
//
// The required fields — title, ingredient list, step list — must be
// non-empty; the first one found empty is named in a KindMissingField error
// and the draft is rejected, never silently defaulted. Optional fields are
// defaulted to empty values. Every string and list is clamped to its bound.
func Validate(d *Draft) (*Recipe, error) {
	if d == nil {
		return nil, apierr.New(apierr.KindMissingField, "recipe missing title")
	}

	title := truncate(d.Title, MaxTitleLen)
	if title == "" {
		return nil, apierr.New(apierr.KindMissingField, "recipe missing title")
	}

	ingredients := boundIngredients(d.Ingredients)
	if len(ingredients) == 0 {
		return nil, apierr.New(apierr.KindMissingField, "recipe missing ingredients")
	}

	steps := boundStrings(d.Steps, MaxSteps, MaxStepLen)
	if len(steps) == 0 {
		return nil, apierr.New(apierr.KindMissingField, "recipe missing steps")
	}

	return &Recipe{
		Title:       title,
		Description: truncate(d.Description, MaxTextLen),
		Ingredients: ingredients,
		Steps:       steps,
		PrepTime:    truncate(d.PrepTime, MaxTextLen),
		CookTime:    truncate(d.CookTime, MaxTextLen),
		Servings:    truncate(d.Servings, MaxTextLen),
		Tags:        boundStrings(d.Tags, MaxTags, MaxTagLen),
	}, nil
}

// boundIngredients drops blank entries, clamps each field and caps the list
// at MaxIngredients, preserving order.
func boundIngredients(in []Ingredient) []Ingredient {
	out := make([]Ingredient, 0, min(len(in), MaxIngredients))
	for _, ing := range in {
		if len(out) == MaxIngredients {
			break
		}
		name := truncate(ing.Name, MaxIngredientLen)
		if name == "" {
			continue
		}
		out = append(out, Ingredient{
			Name:     name,
			Quantity: truncate(ing.Quantity, MaxTextLen),
			Unit:     truncate(ing.Unit, MaxTextLen),
		})
	}
	return out
}

// boundStrings drops blank entries, clamps each string and caps the list,
// preserving order.
func boundStrings(in []string, maxCount, maxLen int) []string {
	out := make([]string, 0, min(len(in), maxCount))
	for _, s := range in {
		if len(out) == maxCount {
			break
		}
		s = truncate(s, maxLen)
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
