package clinic

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Records is the lookup side of a clinic store.
type Records interface {
	Appointments
	Reports
	Patients
}

// CachedStore serves lookups from an expiring LRU in front of Records.
// Writes pass through untouched; callers invalidate the keys they change.
type CachedStore struct {
	Records
	lru *expirable.LRU[string, any]
}

func NewCachedStore(next Records, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = 1024
	}
	return &CachedStore{Records: next, lru: expirable.NewLRU[string, any](size, nil, ttl)}
}

func (c *CachedStore) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	return cached(c, AppointmentKey(id), func() (Appointment, error) { return c.Records.GetAppointment(ctx, id) })
}

func (c *CachedStore) GetReport(ctx context.Context, id string) (Report, error) {
	return cached(c, ReportKey(id), func() (Report, error) { return c.Records.GetReport(ctx, id) })
}

func (c *CachedStore) GetPatient(ctx context.Context, id string) (Patient, error) {
	return cached(c, PatientKey(id), func() (Patient, error) { return c.Records.GetPatient(ctx, id) })
}

func (c *CachedStore) Invalidate(keys ...string) {
	for _, k := range keys {
		c.lru.Remove(k)
	}
}

func (c *CachedStore) Len() int { return c.lru.Len() }

// cached never stores errors, so a missing record is looked up again next time.
func cached[T any](c *CachedStore, key string, load func() (T, error)) (T, error) {
	if v, ok := c.lru.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.lru.Add(key, v)
	return v, nil
}
