package main

import (
	"sort"
	"strings"
)

// Calibration profile names are free text typed into the slicer, usually
// something like "Bambu Lab PLA-CF Matte @BBL H2D" or "Overture PETG
// (Custom)". This file pulls (brand, material, variant) back out of that
// text and scores profiles against spool records. It is a heuristic
// classifier, not a grammar: an ambiguous name degrades to a partial or
// empty brand/variant instead of failing.

// materialTokens is scanned in order, so composite tokens must come
// before their plain prefix (PLA-CF before PLA) or the composite would be
// misread as the base material.
var materialTokens = []string{
	"PLA-CF", "PLA CF", "PETG-CF", "PETG CF", "PA-CF", "PA6-CF", "PAHT-CF",
	"PET-CF", "ABS-GF", "PA-GF", "PETG-GF", "PLA-GF", "PPS-CF", "PPA-CF",
	"ASA-CF", "PC-CF",
	"PLA", "PETG", "PET", "ABS", "ASA", "TPU", "PVA", "PC", "PAHT", "PA6",
	"PA", "PPS", "PPA", "HIPS", "PE", "PP", "EVA", "BVOH",
}

// variantKeywords are finish/grade markers that can trail either the
// material or the brand.
var variantKeywords = []string{
	"Silk", "Matte", "Basic", "Glow", "Marble", "Sparkle", "Metallic",
	"Translucent", "Transparent", "High Speed", "HS", "HF", "High Flow",
	"Tough", "Aero", "Wood", "Galaxy", "Gradient",
}

// ParsedProfileName is the (brand, material, variant) triple recovered
// from a calibration profile's display name. Any field may be empty.
type ParsedProfileName struct {
	Brand    string
	Material string
	Variant  string
}

// ProfileMatcher decides whether a calibration profile applies to a spool.
// It is an interface so a stricter matcher can replace the heuristic one
// without touching callers.
type ProfileMatcher interface {
	Matches(profile CalibrationProfile, spool Spool) bool
}

// NameMatcher is the default ProfileMatcher, built on parseProfileName.
type NameMatcher struct{}

// parseProfileName extracts brand, material and variant from a profile's
// display name.
func parseProfileName(text string) ParsedProfileName {
	name := text

	// Drop the "@<printer model>" qualifier the slicer appends.
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	// Drop the "(Custom)" marker.
	name = strings.ReplaceAll(name, "(Custom)", "")
	name = strings.TrimSpace(name)

	upper := strings.ToUpper(name)
	matIdx := -1
	matLen := 0
	material := ""
	for _, tok := range materialTokens {
		if i := strings.Index(upper, strings.ToUpper(tok)); i >= 0 {
			matIdx = i
			matLen = len(tok)
			material = normalizeMaterial(tok)
			break
		}
	}
	if matIdx < 0 {
		// No recognizable material: treat the whole name as brand text.
		brand, variant := splitTrailingVariant(name)
		return ParsedProfileName{Brand: brand, Variant: variant}
	}

	brand := strings.TrimRight(strings.TrimSpace(name[:matIdx]), "-_ ")
	rest := strings.TrimSpace(name[matIdx+matLen:])

	variant := ""
	restUpper := strings.ToUpper(rest)
	for _, kw := range variantKeywords {
		if strings.Contains(restUpper, strings.ToUpper(kw)) {
			variant = kw
			break
		}
	}
	if variant == "" {
		// Some names put the variant before the material, as part of the
		// brand text ("Polymaker Matte PLA").
		brand, variant = splitTrailingVariant(brand)
	}

	return ParsedProfileName{Brand: brand, Material: material, Variant: variant}
}

// splitTrailingVariant strips a trailing variant keyword off brand text.
func splitTrailingVariant(brand string) (string, string) {
	upper := strings.ToUpper(brand)
	for _, kw := range variantKeywords {
		kwUpper := strings.ToUpper(kw)
		if strings.HasSuffix(upper, " "+kwUpper) || upper == kwUpper {
			cut := strings.TrimSpace(brand[:len(brand)-len(kw)])
			return strings.TrimRight(cut, "-_ "), kw
		}
	}
	return brand, ""
}

// normalizeMaterial canonicalizes spacing variants ("PLA CF" -> "PLA-CF").
func normalizeMaterial(tok string) string {
	return strings.ReplaceAll(strings.ToUpper(tok), " ", "-")
}

// Matches reports whether a profile applies to a spool. Material equality
// is mandatory; brand and variant are checked only when the spool
// declares them, with substring overlap in either direction. A spool with
// only a material set matches every profile of that material.
func (NameMatcher) Matches(profile CalibrationProfile, spool Spool) bool {
	if spool.Material == "" {
		return false
	}
	parsed := parseProfileName(profile.Name)
	if !strings.EqualFold(parsed.Material, normalizeMaterial(spool.Material)) {
		return false
	}
	if spool.Brand != "" {
		if !substringEither(parsed.Brand, spool.Brand) {
			return false
		}
	}
	if spool.Variant != "" {
		if !substringEither(parsed.Variant, spool.Variant) &&
			!substringEither(profile.Name, spool.Variant) {
			return false
		}
	}
	return true
}

// substringEither reports case-insensitive containment in either
// direction. Empty strings never match.
func substringEither(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	al, bl := strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(al, bl) || strings.Contains(bl, al)
}

// autoSelectProfiles picks one suggested profile per extruder from a set
// of matching candidates: the numerically highest K-value in each group.
// Ties go to the lowest cali_idx, so the result is deterministic for a
// given candidate set.
func autoSelectProfiles(profiles []CalibrationProfile) map[int]CalibrationProfile {
	byExtruder := make(map[int][]CalibrationProfile)
	for _, p := range profiles {
		byExtruder[p.Extruder] = append(byExtruder[p.Extruder], p)
	}

	out := make(map[int]CalibrationProfile, len(byExtruder))
	for ext, group := range byExtruder {
		sort.Slice(group, func(i, j int) bool {
			if group[i].KValue != group[j].KValue {
				return group[i].KValue > group[j].KValue
			}
			return group[i].CaliIdx < group[j].CaliIdx
		})
		out[ext] = group[0]
	}
	return out
}

// matchingProfiles filters the cached profile list for a spool.
func matchingProfiles(m ProfileMatcher, profiles []CalibrationProfile, spool Spool) []CalibrationProfile {
	var out []CalibrationProfile
	for _, p := range profiles {
		if m.Matches(p, spool) {
			out = append(out, p)
		}
	}
	return out
}
