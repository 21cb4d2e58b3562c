package app

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/cimillas/impftermin/internal/domain"
)

// OffsetAssigner spreads bookings across equal buckets of a slot's duration.
// Slots with a total capacity below the random threshold cycle through the
// buckets in booking order; larger slots draw a bucket at random so the
// booked count cannot be read off appointment times.
type OffsetAssigner struct {
	buckets         int
	randomThreshold int
	intn            func(n int) int
}

type OffsetOption func(*OffsetAssigner)

// WithRandomSource replaces the bucket draw used for large slots.
func WithRandomSource(intn func(n int) int) OffsetOption {
	return func(a *OffsetAssigner) {
		if intn != nil {
			a.intn = intn
		}
	}
}

func NewOffsetAssigner(buckets, randomThreshold int, opts ...OffsetOption) *OffsetAssigner {
	a := &OffsetAssigner{
		buckets:         buckets,
		randomThreshold: randomThreshold,
		intn:            rand.IntN,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Deterministic reports whether offsets for slot follow booking order.
func (a *OffsetAssigner) Deterministic(slot domain.Slot) bool {
	return slot.TotalCapacity() < a.randomThreshold
}

// BucketWidth truncates toward zero: a 25 minute slot with 3 buckets yields
// 8 minute buckets, and zero or negative bucket counts yield 0.
func BucketWidth(durationMinutes, buckets int) int {
	if buckets <= 0 || durationMinutes <= 0 {
		return 0
	}
	return durationMinutes / buckets
}

// Assign returns the offset in minutes for the next booking in slot.
// countBooked must return the number of booked Termine before this booking.
func (a *OffsetAssigner) Assign(ctx context.Context, slot domain.Slot, countBooked func(ctx context.Context) (int, error)) (int, error) {
	width := BucketWidth(slot.DurationMinutes, a.buckets)
	if width == 0 {
		return 0, nil
	}

	var bucket int
	if a.Deterministic(slot) {
		booked, err := countBooked(ctx)
		if err != nil {
			return 0, fmt.Errorf("count booked: %w", err)
		}
		bucket = booked % a.buckets
		offsetAssignments.WithLabelValues("deterministic").Inc()
	} else {
		bucket = a.intn(a.buckets)
		offsetAssignments.WithLabelValues("random").Inc()
	}
	return bucket * width, nil
}
