package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/types"
)

var day0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return day0.AddDate(0, 0, n)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return logging.WithLogger(ctx, logging.NewNop())
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func entity(id string) models.Entity {
	registered := day(-30)
	return models.Entity{
		EntityID:         id,
		Name:             "Entity " + id,
		LegalForm:        "AS",
		Status:           types.StatusActive,
		RegistrationDate: &registered,
	}
}

func business(jurisdiction, postal, street string) models.AddressRecord {
	return models.AddressRecord{
		Kind:            types.AddressBusiness,
		JurisdictionID:  jurisdiction,
		PostalCode:      postal,
		FreeformAddress: street,
		IsCurrent:       true,
	}
}

func postal(jurisdiction, code, street string) models.AddressRecord {
	rec := business(jurisdiction, code, street)
	rec.Kind = types.AddressPostal
	return rec
}
