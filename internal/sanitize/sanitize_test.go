package sanitize

import (
	"encoding/json"
	"strings"
	"testing"
)

const samplePage = `--- Page 1 ---
Circonscription: Montréal
Cadastre: Cadastre du Québec
Lot: 1425100

Ligne 1:
Date: 1990-01-15
Numéro de publication: 4321566
Nature: Vente
Parties: JEAN TREMBLAY, MARIE GAGNON
Rôles: Vendeur, Acquéreur
Remarques: [Vide]
Radiation: [Vide]

Ligne 2:
Date: Option 1: 1991-02-01 (confiance: 0.9) Option 2: 1991-02-07 (confiance: 0.4)
Numéro de publication: 4400123
Nature: Hypothèque
Parties: BANQUE NATIONALE
Rôles: Créancier
Remarques: 150 000 $
Radiation: 5100200
`

func TestSanitize_FullPage(t *testing.T) {
	doc := Sanitize(samplePage)

	if len(doc.Pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(doc.Pages))
	}
	page := doc.Pages[0]
	if page.PageNumber != 1 {
		t.Errorf("page number = %d, want 1", page.PageNumber)
	}
	if page.Metadata.District == nil || *page.Metadata.District != "Montréal" {
		t.Errorf("district = %v, want Montréal", page.Metadata.District)
	}
	if page.Metadata.LotNumber == nil || *page.Metadata.LotNumber != "1425100" {
		t.Errorf("lot = %v, want 1425100", page.Metadata.LotNumber)
	}

	if len(page.Inscriptions) != 2 {
		t.Fatalf("inscriptions = %d, want 2", len(page.Inscriptions))
	}

	first := page.Inscriptions[0]
	if first.Date == nil || *first.Date != "1990-01-15" {
		t.Errorf("line 1 date = %v", first.Date)
	}
	if first.PublicationNumber == nil || *first.PublicationNumber != "4321566" {
		t.Errorf("line 1 publication = %v", first.PublicationNumber)
	}
	if first.Remarks != nil {
		t.Errorf("line 1 remarks should map [Vide] to nil, got %q", *first.Remarks)
	}
	if first.RadiationNumber != nil {
		t.Errorf("line 1 radiation should be nil, got %q", *first.RadiationNumber)
	}

	second := page.Inscriptions[1]
	if second.RadiationNumber == nil || *second.RadiationNumber != "5100200" {
		t.Errorf("line 2 radiation = %v, want 5100200", second.RadiationNumber)
	}
}

func TestSanitize_MultiOptionPicksHighestConfidence(t *testing.T) {
	doc := Sanitize(samplePage)
	date := doc.Pages[0].Inscriptions[1].Date
	if date == nil || *date != "1991-02-01" {
		t.Errorf("date = %v, want highest-confidence option 1991-02-01", date)
	}
}

func TestSanitize_MultiOptionTieKeepsFirst(t *testing.T) {
	input := "--- Page 1 ---\nLigne 1:\nDate: Option 1: 2000-01-01 (confiance: 0.5) Option 2: 2000-02-02 (confiance: 0.5)\n"
	doc := Sanitize(input)
	date := doc.Pages[0].Inscriptions[0].Date
	if date == nil || *date != "2000-01-01" {
		t.Errorf("tie must keep the first-listed option, got %v", date)
	}
}

func TestSanitize_PartiesPairedPositionally(t *testing.T) {
	doc := Sanitize(samplePage)
	parties := doc.Pages[0].Inscriptions[0].Parties

	if len(parties) != 2 {
		t.Fatalf("parties = %d, want 2", len(parties))
	}
	if parties[0].Name != "JEAN TREMBLAY" || parties[0].Role != "Vendeur" {
		t.Errorf("party 0 = %+v", parties[0])
	}
	if parties[1].Name != "MARIE GAGNON" || parties[1].Role != "Acquéreur" {
		t.Errorf("party 1 = %+v", parties[1])
	}
}

func TestSanitize_PartiesRoleCountMismatchSharesRole(t *testing.T) {
	input := "--- Page 1 ---\nLigne 1:\nParties: A INC, B INC, C INC\nRôles: Créancier, Débiteur\n"
	doc := Sanitize(input)
	parties := doc.Pages[0].Inscriptions[0].Parties

	if len(parties) != 3 {
		t.Fatalf("parties = %d, want 3", len(parties))
	}
	for _, p := range parties {
		if p.Role != "Créancier, Débiteur" {
			t.Errorf("mismatched counts must share the whole role string, got %q", p.Role)
		}
	}
}

func TestSanitize_NoPartiesField(t *testing.T) {
	input := "--- Page 1 ---\nLigne 1:\nDate: 2001-03-03\n"
	doc := Sanitize(input)
	parties := doc.Pages[0].Inscriptions[0].Parties
	if parties == nil || len(parties) != 0 {
		t.Errorf("missing parties must yield empty slice, got %v", parties)
	}
}

func TestSanitize_MultiplePages(t *testing.T) {
	input := samplePage + "\n--- Page 2 ---\nCirconscription: Laval\nLot: 999\n\nLigne 1:\nDate: 2005-05-05\n"
	doc := Sanitize(input)
	if len(doc.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(doc.Pages))
	}
	if doc.Pages[1].PageNumber != 2 {
		t.Errorf("second page number = %d", doc.Pages[1].PageNumber)
	}
	if doc.Pages[1].Metadata.District == nil || *doc.Pages[1].Metadata.District != "Laval" {
		t.Errorf("second page district = %v", doc.Pages[1].Metadata.District)
	}
}

func TestSanitize_GarbageNeverErrors(t *testing.T) {
	inputs := []string{
		"",
		"complete nonsense with no structure at all",
		"--- Page --- broken marker",
		"Ligne 1:\nDate: orphan line outside any page",
		strings.Repeat("x", 100000),
	}
	for _, in := range inputs {
		doc := Sanitize(in)
		if doc == nil {
			t.Fatal("sanitize returned nil")
		}
		if doc.Pages == nil {
			t.Error("pages must never be nil")
		}
		if len(doc.Pages) != 0 {
			t.Errorf("unparseable input should yield zero pages, got %d", len(doc.Pages))
		}
	}
}

func TestJSON_EmptyDocument(t *testing.T) {
	doc := Sanitize("")
	out := doc.JSON()
	if out != `{"pages":[]}` {
		t.Errorf("empty document JSON = %s", out)
	}
}

func TestJSON_NullsForEmptyMarkers(t *testing.T) {
	doc := Sanitize(samplePage)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(doc.JSON()), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	pages := decoded["pages"].([]any)
	ins := pages[0].(map[string]any)["inscriptions"].([]any)
	first := ins[0].(map[string]any)
	if first["remarks"] != nil {
		t.Errorf("remarks must serialize as JSON null, got %v", first["remarks"])
	}
}
