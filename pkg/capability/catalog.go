// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package capability

// builtinCatalog is ordered input → process → output; OwnerOf and inferred
// plans rely on this ordering.
var builtinCatalog = []Capability{
	{
		Name:        "web-research",
		Description: "Gather current information from the web",
		Phase:       PhaseInput,
		Tools:       []string{"web-search"},
		Instructions: `Search the web for the information the task needs.
Run focused queries, one aspect per query, and prefer recent sources.
Collect facts with their source links; never invent a source.`,
	},
	{
		Name:        "data-fetching",
		Description: "Fetch structured data from remote endpoints",
		Phase:       PhaseInput,
		Tools:       []string{"http-fetch"},
		Instructions: `Fetch the remote resources the task points at.
Inspect the response status before using the body; on a non-2xx status,
report the failure instead of fabricating content.`,
	},
	{
		Name:        ComposeCapabilityName,
		Description: "Compose the final text from gathered material",
		Phase:       PhaseProcess,
		Tools:       nil,
		Instructions: `Turn the gathered material into the deliverable the task asks for.
Write complete, well-structured prose; do not output raw tool results.`,
	},
	{
		Name:        "document-generation",
		Description: "Render content as a downloadable document",
		Phase:       PhaseOutput,
		Tools:       []string{"generate-document"},
		Instructions: `Render the composed content as a document file.
Pass the full content to the tool; the tool returns a local link that must
appear in the final answer.`,
	},
	{
		Name:        "spreadsheet-export",
		Description: "Export tabular data as a spreadsheet",
		Phase:       PhaseOutput,
		Tools:       []string{"export-spreadsheet"},
		Instructions: `Lay the data out as rows and columns with a header row, then export
it. Include the returned link in the final answer.`,
	},
	{
		Name:        "image-generation",
		Description: "Generate images from a description",
		Phase:       PhaseOutput,
		Tools:       []string{"generate-image"},
		Instructions: `Generate the requested image and embed the returned local link as
inline image markdown in the final answer.`,
	},
	{
		Name:        "qr-generation",
		Description: "Encode content as a QR code image",
		Phase:       PhaseOutput,
		Tools:       []string{"generate-qr"},
	},
	{
		Name:        "email-dispatch",
		Description: "Send the result by email",
		Phase:       PhaseOutput,
		Tools:       []string{"send-email"},
		Instructions: `Send the email exactly once. Confirm the recipient address from the
inputs before sending; report delivery status in the final answer.`,
	},
	{
		Name:        "file-archival",
		Description: "Bundle produced files into an archive",
		Phase:       PhaseOutput,
		Tools:       []string{"create-archive"},
	},
	{
		Name:        "file-storage",
		Description: "Persist content as downloadable files",
		Phase:       PhaseOutput,
		Tools:       []string{"save-file", "fetch-and-save"},
		Instructions: `Save generated content with save-file, or mirror a remote file with
fetch-and-save. Always surface the returned local link in the final answer.`,
	},
}

// archetypes maps well-known skill names to fixed plans, used when the
// planning model is unavailable.
var archetypes = map[string][]string{
	"market-report":   {"web-research", ComposeCapabilityName, "document-generation"},
	"research-report": {"web-research", ComposeCapabilityName, "document-generation"},
	"newsletter":      {"web-research", ComposeCapabilityName, "email-dispatch"},
	"data-export":     {"data-fetching", ComposeCapabilityName, "spreadsheet-export"},
	"event-ticket":    {ComposeCapabilityName, "qr-generation"},
	"illustration":    {"image-generation"},
}

// Archetype returns the fixed plan for a skill name, if one exists.
func Archetype(skillName string) ([]string, bool) {
	plan, ok := archetypes[skillName]
	if !ok {
		return nil, false
	}
	return append([]string(nil), plan...), true
}
