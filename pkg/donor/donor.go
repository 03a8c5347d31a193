// Package donor defines donor and product records and the identity key used to
// deduplicate donors across stores.
package donor

import (
	"fmt"
)

// Donor is a single donor row
type Donor struct {
	ID         string            `json:"id"`
	FirstName  string            `json:"first_name"`
	MiddleName string            `json:"middle_name"`
	LastName   string            `json:"last_name"`
	DOB        string            `json:"dob"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Product belongs to exactly one donor via DonorID
type Product struct {
	ID         string            `json:"id"`
	DonorID    string            `json:"donor_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Key is the donor identity key. Two donors with equal keys are the same donor
// regardless of ID. Comparison is exact and case-sensitive.
type Key struct {
	LastName   string
	FirstName  string
	MiddleName string
	DOB        string
}

// Key returns the identity key of d
func (d Donor) Key() Key {
	return Key{
		LastName:   d.LastName,
		FirstName:  d.FirstName,
		MiddleName: d.MiddleName,
		DOB:        d.DOB,
	}
}

// DisplayName returns "Last, First Middle"
func (d Donor) DisplayName() string {
	name := d.LastName + ", " + d.FirstName
	if d.MiddleName != "" {
		name += " " + d.MiddleName
	}
	return name
}

// WithProducts pairs a donor with its products
type WithProducts struct {
	Donor    Donor     `json:"donor"`
	Products []Product `json:"products"`
}

// Dedup keeps the first donor seen for every identity key, preserving order.
func Dedup(donors []Donor) []Donor {
	seen := make(map[Key]struct{}, len(donors))
	out := make([]Donor, 0, len(donors))
	for _, d := range donors {
		k := d.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}

// DedupWithProducts applies the Dedup rule on the donor side. The products of
// the winning donor are kept; products of dropped duplicates are discarded.
func DedupWithProducts(entries []WithProducts) []WithProducts {
	seen := make(map[Key]struct{}, len(entries))
	out := make([]WithProducts, 0, len(entries))
	for _, e := range entries {
		k := e.Donor.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

// ErrMisaligned is returned by Associate when the product batches do not line up
// one-to-one with the donors.
type ErrMisaligned struct {
	Donors  int
	Batches int
}

func (e *ErrMisaligned) Error() string {
	return fmt.Sprintf("misaligned remote payload: %d donors but %d product batches", e.Donors, e.Batches)
}

// Associate binds product batch i to donor i by setting DonorID. The input
// slices are not modified.
func Associate(donors []Donor, batches [][]Product) ([]WithProducts, error) {
	if len(donors) != len(batches) {
		return nil, &ErrMisaligned{Donors: len(donors), Batches: len(batches)}
	}

	out := make([]WithProducts, len(donors))
	for i, d := range donors {
		products := make([]Product, len(batches[i]))
		for j, p := range batches[i] {
			p.DonorID = d.ID
			products[j] = p
		}
		out[i] = WithProducts{Donor: d, Products: products}
	}
	return out, nil
}

// Donors extracts the donor side of entries
func Donors(entries []WithProducts) []Donor {
	out := make([]Donor, len(entries))
	for i, e := range entries {
		out[i] = e.Donor
	}
	return out
}
