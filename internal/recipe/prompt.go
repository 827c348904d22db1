package recipe

import "fmt"

// SystemPrompt instructs the model to answer with a single JSON object in
// the Draft schema and nothing else. The extractor tolerates fences and
// surrounding prose anyway, but a tight instruction keeps output small.
const SystemPrompt = `You are a recipe extraction engine. Given recipe text, a web page, or a photo of a dish or recipe card, respond with exactly one JSON object and no other text. Schema:
{
  "title": "string, the dish name",
  "description": "string, one or two sentences",
  "ingredients": [{"name": "string", "quantity": "string", "unit": "string"}],
  "steps": ["string, one instruction per entry, in order"],
  "prep_time": "string, e.g. 15 minutes",
  "cook_time": "string",
  "servings": "string",
  "tags": ["string, cuisine or dietary labels"]
}
Rules: title, ingredients and steps are mandatory; keep original quantities and units; do not invent ingredients that are not present; use empty strings for unknown optional fields; never wrap the JSON in markdown fences.`

// TextPrompt builds the user prompt for raw recipe text.
func TextPrompt(text string) string {
	return fmt.Sprintf("Extract the recipe from the following text:\n\n%s", text)
}

// PagePrompt builds the user prompt for text scraped from a web page. Page
// text is noisier than user text, so the model is told to ignore chrome.
func PagePrompt(pageText string) string {
	return fmt.Sprintf("The following is the visible text of a web page. Ignore navigation, ads and comments, and extract the recipe:\n\n%s", pageText)
}

// ImagePrompt is the user prompt accompanying an image payload.
const ImagePrompt = "Extract the recipe shown in this image. If it is a photo of a finished dish rather than a recipe card, reconstruct a plausible recipe for it."
