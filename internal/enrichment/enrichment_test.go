package enrichment

import (
	"net"
	"testing"

	"github.com/duskwatch/siemcore/internal/models"
	"github.com/duskwatch/siemcore/internal/store/storetest"
)

func TestEnrich_ThreatIntelMatch(t *testing.T) {
	e := New(&storetest.Fake{})
	e.intel = map[string][]string{"198.51.100.7": {"malware:cobalt-strike"}}

	ev := &models.Event{SourceIP: "198.51.100.7", EventCategory: "AUTHENTICATION"}
	e.Enrich(ev)

	if !ev.TIMatch {
		t.Error("Enrich() should set ti_match for a known indicator")
	}
	if len(ev.TIHits) != 1 || ev.TIHits[0] != "malware:cobalt-strike" {
		t.Errorf("TIHits = %v, want [malware:cobalt-strike]", ev.TIHits)
	}
	if ev.EventCategory != "authentication" {
		t.Errorf("EventCategory = %q, want lowercased", ev.EventCategory)
	}
}

func TestEnrich_NoMatch(t *testing.T) {
	e := New(&storetest.Fake{})
	ev := &models.Event{SourceIP: "10.0.0.1"}
	e.Enrich(ev)
	if ev.TIMatch {
		t.Error("Enrich() should not set ti_match without an indicator hit")
	}
}

func TestEnrich_GeoIP(t *testing.T) {
	e := New(&storetest.Fake{})
	_, cidr, _ := net.ParseCIDR("203.0.113.0/24")
	e.LoadGeoRanges([]GeoRange{{Network: cidr, Country: "US", ASN: "AS64500"}})

	ev := &models.Event{SourceIP: "203.0.113.42"}
	e.Enrich(ev)

	if ev.GeoCountry != "US" || ev.GeoASN != "AS64500" {
		t.Errorf("GeoCountry/ASN = %q/%q, want US/AS64500", ev.GeoCountry, ev.GeoASN)
	}
}
