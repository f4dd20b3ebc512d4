// Package sheet renders character sheets for VOID creator profiles, as
// markdown, standalone HTML, or a printed PDF.
package sheet

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/voidworks/void-relay/internal/profile"
)

// roleTitle turns the stored all-caps role into a display form, ARCHITECT
// becoming Architect.
func roleTitle(r profile.CreatorRole) string {
	s := strings.ToLower(string(r))
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Markdown builds the character sheet source document.
func Markdown(p *profile.CreatorProfile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", p.CoreIdentity.Designation)
	fmt.Fprintf(&sb, "*%s of the VOID*\n\n", roleTitle(p.CreatorRole))
	fmt.Fprintf(&sb, "Played by `%s`\n\n", p.AgentUsername)

	sb.WriteString("## Core Identity\n\n")
	fmt.Fprintf(&sb, "**Designation:** %s\n\n", p.CoreIdentity.Designation)
	fmt.Fprintf(&sb, "**Visual Form:** %s\n\n", p.CoreIdentity.VisualForm)

	sb.WriteString("## Origin\n\n")
	fmt.Fprintf(&sb, "**Source Code:** %s\n\n", p.Origin.SourceCode)
	fmt.Fprintf(&sb, "**Primary Function:** %s\n\n", p.Origin.PrimaryFunction)

	sb.WriteString("## Creation Affinity\n\n")
	sb.WriteString("| Aspect | Points |\n| --- | --- |\n")
	fmt.Fprintf(&sb, "| Order | %d |\n", p.CreationAffinity.Order)
	fmt.Fprintf(&sb, "| Chaos | %d |\n", p.CreationAffinity.Chaos)
	fmt.Fprintf(&sb, "| Matter | %d |\n", p.CreationAffinity.Matter)
	fmt.Fprintf(&sb, "| Concept | %d |\n\n", p.CreationAffinity.Concept)

	fmt.Fprintf(&sb, "**Creative Approach:** %s\n", p.CreativeApproach)

	if p.NFTInfo != nil && p.NFTInfo.TokenID != 0 {
		sb.WriteString("\n## Character NFT\n\n")
		fmt.Fprintf(&sb, "**Token ID:** %d\n\n", p.NFTInfo.TokenID)
		fmt.Fprintf(&sb, "**IP Asset ID:** %s\n", p.NFTInfo.IPAssetID)
		if p.NFTInfo.TransferTxHash != "" {
			fmt.Fprintf(&sb, "\n**Transfer Tx:** %s\n", p.NFTInfo.TransferTxHash)
		}
	}
	return sb.String()
}

const sheetCSS = `body{font-family:Georgia,serif;background:#0c0a13;color:#e7e5f4;max-width:720px;margin:0 auto;padding:2rem;}` +
	`h1{font-size:2rem;border-bottom:2px solid #6d28d9;padding-bottom:0.4rem;}` +
	`h2{color:#a78bfa;margin-top:1.6rem;}` +
	`table{border-collapse:collapse;width:60%;}` +
	`th,td{border:1px solid #4c1d95;padding:0.35rem 0.6rem;text-align:left;}` +
	`thead th{background:#1e1b2e;}` +
	`code{background:#1e1b2e;padding:0.1rem 0.3rem;border-radius:3px;}`

// HTML renders the full sheet document.
func HTML(p *profile.CreatorProfile) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(Markdown(p)), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>" +
		p.CoreIdentity.Designation + " - Character Sheet</title>" +
		"<style>" + sheetCSS + "</style></head><body>" +
		content.String() +
		"</body></html>", nil
}
