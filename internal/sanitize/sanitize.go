// Package sanitize turns the verbose per-page text produced by the
// extraction and boost stages into the structured JSON stored on the job
// row. The transformation is deterministic and total: malformed input
// degrades to a best-effort parse, never an error.
package sanitize

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// StructuredDocument is the canonical structured_content tree.
type StructuredDocument struct {
	Pages []PageContent `json:"pages"`
}

// PageContent is one sanitized page.
type PageContent struct {
	PageNumber   int           `json:"pageNumber"`
	Metadata     PageMetadata  `json:"metadata"`
	Inscriptions []Inscription `json:"inscriptions"`
}

// PageMetadata is the page header block.
type PageMetadata struct {
	District  *string `json:"district"`
	Cadastre  *string `json:"cadastre"`
	LotNumber *string `json:"lot_number"`
}

// Inscription is one line of the land-registry index table.
type Inscription struct {
	Date              *string `json:"date"`
	PublicationNumber *string `json:"publication_number"`
	Nature            *string `json:"nature"`
	Parties           []Party `json:"parties"`
	Remarks           *string `json:"remarks"`
	RadiationNumber   *string `json:"radiation_number"`
}

// Party is one named party with its role.
type Party struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// emptyMarker is the literal the extraction prompts emit for blank fields.
const emptyMarker = "[Vide]"

var (
	pageMarkerRe = regexp.MustCompile(`(?m)^---\s*Page\s+(\d+)\s*---\s*$`)
	lineMarkerRe = regexp.MustCompile(`(?m)^Ligne\s+(\d+)\s*:\s*$|^Ligne\s+(\d+)\s*:`)
	optionRe     = regexp.MustCompile(`Option\s+(\d+)\s*:\s*(.*?)\s*\(confiance\s*:\s*([0-9.]+)\)`)
	fieldRe      = regexp.MustCompile(`(?m)^([A-Za-zÀ-ÿ' ]+?)\s*:\s*(.*)$`)
)

// Sanitize parses the verbose blob. Input with no recognizable page marker
// yields {pages: []}; it never returns an error.
func Sanitize(input string) *StructuredDocument {
	doc := &StructuredDocument{Pages: []PageContent{}}

	markers := pageMarkerRe.FindAllStringSubmatchIndex(input, -1)
	for i, m := range markers {
		pageNum, _ := strconv.Atoi(input[m[2]:m[3]])
		start := m[1]
		end := len(input)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		doc.Pages = append(doc.Pages, sanitizePage(pageNum, input[start:end]))
	}
	return doc
}

// JSON renders the document as the stored structured_content string.
func (d *StructuredDocument) JSON() string {
	b, err := json.Marshal(d)
	if err != nil {
		return `{"pages":[]}`
	}
	return string(b)
}

func sanitizePage(pageNum int, section string) PageContent {
	page := PageContent{
		PageNumber:   pageNum,
		Inscriptions: []Inscription{},
	}

	lineMarks := lineMarkerRe.FindAllStringIndex(section, -1)

	header := section
	if len(lineMarks) > 0 {
		header = section[:lineMarks[0][0]]
	}
	page.Metadata = parseHeader(header)

	for i, lm := range lineMarks {
		start := lm[1]
		end := len(section)
		if i+1 < len(lineMarks) {
			end = lineMarks[i+1][0]
		}
		page.Inscriptions = append(page.Inscriptions, parseInscription(section[start:end]))
	}
	return page
}

func parseHeader(header string) PageMetadata {
	fields := parseFields(header)
	return PageMetadata{
		District:  fieldValue(fields, "circonscription", "circonscription foncière", "district"),
		Cadastre:  fieldValue(fields, "cadastre"),
		LotNumber: fieldValue(fields, "lot", "numéro de lot", "lot number"),
	}
}

func parseInscription(block string) Inscription {
	fields := parseFields(block)

	ins := Inscription{
		Date:              fieldValue(fields, "date", "date de présentation"),
		PublicationNumber: fieldValue(fields, "numéro de publication", "numéro d'inscription", "publication"),
		Nature:            fieldValue(fields, "nature", "nature de l'acte"),
		Remarks:           fieldValue(fields, "remarques", "remarque"),
		RadiationNumber:   fieldValue(fields, "radiation", "numéro de radiation", "radiations"),
		Parties:           []Party{},
	}

	names := fieldValue(fields, "parties", "noms des parties", "nom des parties")
	roles := fieldValue(fields, "rôles", "qualité", "qualités", "rôle")
	ins.Parties = splitParties(names, roles)
	return ins
}

// parseFields collects "Label: value" pairs, lower-casing the label and
// resolving multi-option values by confidence.
func parseFields(block string) map[string]string {
	fields := make(map[string]string)
	for _, m := range fieldRe.FindAllStringSubmatch(block, -1) {
		label := strings.ToLower(strings.TrimSpace(m[1]))
		value := resolveOptions(strings.TrimSpace(m[2]))
		if label == "" {
			continue
		}
		// First occurrence wins; extraction sometimes repeats a label when
		// the model re-emits a field inside remarks.
		if _, seen := fields[label]; !seen {
			fields[label] = value
		}
	}
	return fields
}

// resolveOptions picks the highest-confidence option from a multi-option
// value. Ties go to the first listed option. Non-option values pass through.
func resolveOptions(value string) string {
	matches := optionRe.FindAllStringSubmatch(value, -1)
	if len(matches) == 0 {
		return value
	}

	type option struct {
		order      int
		text       string
		confidence float64
	}
	opts := make([]option, 0, len(matches))
	for i, m := range matches {
		conf, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			conf = 0
		}
		opts = append(opts, option{order: i, text: strings.TrimSpace(m[2]), confidence: conf})
	}
	sort.SliceStable(opts, func(i, j int) bool {
		return opts[i].confidence > opts[j].confidence
	})
	return opts[0].text
}

// fieldValue returns the first present label's value, mapping the empty
// marker to nil.
func fieldValue(fields map[string]string, labels ...string) *string {
	for _, label := range labels {
		v, ok := fields[label]
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, emptyMarker) {
			return nil
		}
		return &v
	}
	return nil
}

// splitParties associates names with roles.
//
// Heuristic (documented behavior): when the role blob holds exactly as many
// role tokens as there are names, roles pair with names positionally.
// Otherwise every party carries the whole role string. Known to be
// approximate when counts mismatch; kept until a better rule is decided.
func splitParties(names, roles *string) []Party {
	if names == nil {
		return []Party{}
	}

	nameList := splitList(*names)
	if len(nameList) == 0 {
		return []Party{}
	}

	role := ""
	if roles != nil {
		role = strings.TrimSpace(*roles)
	}
	roleList := splitList(role)

	parties := make([]Party, 0, len(nameList))
	if len(roleList) == len(nameList) {
		for i, name := range nameList {
			parties = append(parties, Party{Name: name, Role: roleList[i]})
		}
		return parties
	}
	for _, name := range nameList {
		parties = append(parties, Party{Name: name, Role: role})
	}
	return parties
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" || strings.EqualFold(strings.TrimSpace(s), emptyMarker) {
		return nil
	}
	raw := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
