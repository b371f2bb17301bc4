package models

import (
	"testing"
	"time"

	"github.com/registry-scanner/internal/types"
)

func TestAddressRecord_SameLocation(t *testing.T) {
	base := AddressRecord{
		Kind:            types.AddressBusiness,
		JurisdictionID:  "0301",
		FreeformAddress: "Storgata 1, Oslo",
		PostalCode:      "0150",
	}

	tests := []struct {
		name  string
		other AddressRecord
		want  bool
	}{
		{
			name:  "identical",
			other: base,
			want:  true,
		},
		{
			name: "whitespace and case differences",
			other: AddressRecord{
				Kind:            types.AddressBusiness,
				JurisdictionID:  " 0301 ",
				FreeformAddress: "STORGATA  1,   oslo",
				PostalCode:      "0150",
			},
			want: true,
		},
		{
			name: "different jurisdiction",
			other: AddressRecord{
				Kind:            types.AddressBusiness,
				JurisdictionID:  "4601",
				FreeformAddress: "Storgata 1, Oslo",
				PostalCode:      "0150",
			},
			want: false,
		},
		{
			name: "different kind",
			other: AddressRecord{
				Kind:            types.AddressPostal,
				JurisdictionID:  "0301",
				FreeformAddress: "Storgata 1, Oslo",
				PostalCode:      "0150",
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.SameLocation(tt.other); got != tt.want {
				t.Errorf("SameLocation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddressRecord_Covers(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	r := AddressRecord{ValidFrom: from, ValidTo: &to}

	if !r.Covers(from) {
		t.Errorf("interval should include its start")
	}
	if r.Covers(to) {
		t.Errorf("interval should exclude its end")
	}
	if r.Covers(from.Add(-time.Second)) {
		t.Errorf("interval should exclude times before start")
	}

	open := AddressRecord{ValidFrom: from, IsCurrent: true}
	if !open.Covers(from.AddDate(10, 0, 0)) {
		t.Errorf("current record should cover the future")
	}
}

func TestPartition_KeyIsStable(t *testing.T) {
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	p := Partition{
		Jurisdiction: "0301",
		From:         time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		To:           time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	withDelta := p
	withDelta.ModifiedSince = &since
	withDelta.Estimated = 42

	if p.Key() != withDelta.Key() {
		t.Errorf("Key() changed with modified-since filter: %s vs %s", p.Key(), withDelta.Key())
	}
	if p.Key() != "0301|2020-01-01|2021-01-01" {
		t.Errorf("Key() = %s", p.Key())
	}

	all := Partition{From: p.From, To: p.To}
	if all.Key() != "*|2020-01-01|2021-01-01" {
		t.Errorf("Key() for jurisdiction-less partition = %s", all.Key())
	}
}

func TestEntity_SameAttributes(t *testing.T) {
	reg := time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	regLater := reg.Add(5 * time.Hour)
	a := Entity{EntityID: "1", Name: "Acme AS", Status: types.StatusActive, RegistrationDate: &reg}
	b := a
	b.RegistrationDate = &regLater
	b.LastSeenAt = time.Now()

	if !a.SameAttributes(b) {
		t.Errorf("same-day registration and bookkeeping fields should not count as changes")
	}

	b.Status = types.StatusBankrupt
	if a.SameAttributes(b) {
		t.Errorf("status change should be detected")
	}
}
