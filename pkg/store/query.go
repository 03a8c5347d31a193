package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/harun/theatreblood/pkg/donor"
)

// FindByNamePrefix returns donors whose last name starts with lastPrefix and
// first name starts with firstPrefix, in insertion order. An empty prefix
// matches everything.
func (h *Handle) FindByNamePrefix(ctx context.Context, lastPrefix, firstPrefix string) ([]donor.Donor, error) {
	start := time.Now()
	var donors []donor.Donor
	err := h.with(func(db *sql.DB) error {
		var err error
		donors, err = queryDonors(ctx, db, lastPrefix, firstPrefix)
		return err
	})
	h.record("find_by_name_prefix", start, err)
	return donors, err
}

// FindByNamePrefixWithProducts is FindByNamePrefix with each donor's products
func (h *Handle) FindByNamePrefixWithProducts(ctx context.Context, lastPrefix, firstPrefix string) ([]donor.WithProducts, error) {
	start := time.Now()
	var entries []donor.WithProducts
	err := h.with(func(db *sql.DB) error {
		donors, err := queryDonors(ctx, db, lastPrefix, firstPrefix)
		if err != nil {
			return err
		}

		byDonor, err := queryProducts(ctx, db, lastPrefix, firstPrefix)
		if err != nil {
			return err
		}

		entries = make([]donor.WithProducts, len(donors))
		for i, d := range donors {
			products := byDonor[d.ID]
			if products == nil {
				products = []donor.Product{}
			}
			entries[i] = donor.WithProducts{Donor: d, Products: products}
		}
		return nil
	})
	h.record("find_by_name_prefix_with_products", start, err)
	return entries, err
}

// CountDonors returns the number of donor rows
func (h *Handle) CountDonors(ctx context.Context) (int, error) {
	return h.count(ctx, "count_donors", "SELECT COUNT(*) FROM donors")
}

// CountProducts returns the number of product rows
func (h *Handle) CountProducts(ctx context.Context) (int, error) {
	return h.count(ctx, "count_products", "SELECT COUNT(*) FROM products")
}

func (h *Handle) count(ctx context.Context, op, query string) (int, error) {
	start := time.Now()
	var n int
	err := h.with(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, query).Scan(&n)
	})
	h.record(op, start, err)
	return n, err
}

func queryDonors(ctx context.Context, db *sql.DB, lastPrefix, firstPrefix string) ([]donor.Donor, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, first_name, middle_name, last_name, dob, attributes FROM donors
		WHERE `+prefixWhere+` ORDER BY rowid`,
		lastPrefix, firstPrefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	donors := []donor.Donor{}
	for rows.Next() {
		var d donor.Donor
		var attrs string
		if err := rows.Scan(&d.ID, &d.FirstName, &d.MiddleName, &d.LastName, &d.DOB, &attrs); err != nil {
			return nil, err
		}
		d.Attributes = decodeAttributes(attrs)
		donors = append(donors, d)
	}
	return donors, rows.Err()
}

func queryProducts(ctx context.Context, db *sql.DB, lastPrefix, firstPrefix string) (map[string][]donor.Product, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT p.id, p.donor_id, p.attributes FROM products p
		JOIN donors ON donors.id = p.donor_id
		WHERE `+prefixWhere+` ORDER BY p.rowid`,
		lastPrefix, firstPrefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byDonor := make(map[string][]donor.Product)
	for rows.Next() {
		var p donor.Product
		var attrs string
		if err := rows.Scan(&p.ID, &p.DonorID, &attrs); err != nil {
			return nil, err
		}
		p.Attributes = decodeAttributes(attrs)
		byDonor[p.DonorID] = append(byDonor[p.DonorID], p)
	}
	return byDonor, rows.Err()
}
