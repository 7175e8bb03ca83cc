package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"skyplanner/internal"
)

const customerColumns = `
id, organization_id, navn, adresse, postnummer, poststed, telefon, epost, kontaktperson, org_nummer,
kategori, siste_kontroll, neste_kontroll, siste_brannkontroll, neste_brannkontroll,
kontroll_intervall_mnd, notater, aktiv, import_batch_id`

// FindCustomerByNameAndAddress matches case- and whitespace-insensitively within one organization.
func (d *DB) FindCustomerByNameAndAddress(ctx context.Context, organizationID, navn, adresse string) (*internal.Customer, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM kunder
WHERE organization_id = ? AND navn_key = ? AND adresse_key = ?
ORDER BY id ASC LIMIT 1`, organizationID, normalizeKey(navn), normalizeKey(adresse))
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *DB) GetCustomer(ctx context.Context, organizationID string, id int64) (*internal.Customer, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM kunder WHERE organization_id = ? AND id = ?`, organizationID, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *DB) ListCustomers(ctx context.Context, organizationID string) ([]internal.Customer, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+customerColumns+` FROM kunder WHERE organization_id = ? ORDER BY id ASC`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (d *DB) CountCustomers(ctx context.Context, organizationID string) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM kunder WHERE organization_id = ?`, organizationID).Scan(&n)
	return n, err
}

func (d *DB) CreateCustomer(ctx context.Context, c *internal.Customer) error {
	if strings.TrimSpace(c.Navn) == "" {
		return errors.New("customer navn is required")
	}
	result, err := d.conn.ExecContext(ctx, `
INSERT INTO kunder (
  organization_id, navn, adresse, navn_key, adresse_key, postnummer, poststed, telefon, epost, kontaktperson, org_nummer,
  kategori, siste_kontroll, neste_kontroll, siste_brannkontroll, neste_brannkontroll,
  kontroll_intervall_mnd, notater, aktiv, import_batch_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, c.OrganizationID, c.Navn, c.Adresse, normalizeKey(c.Navn), normalizeKey(c.Adresse), c.Postnummer, c.Poststed, c.Telefon, c.Epost, c.Kontaktperson, c.OrgNummer,
		c.Kategori, c.SisteKontroll, c.NesteKontroll, c.SisteBrannkontroll, c.NesteBrannkontroll,
		c.KontrollIntervallMnd, c.Notater, boolPtrToInt(c.Aktiv), c.ImportBatchID)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (d *DB) UpdateCustomer(ctx context.Context, c *internal.Customer) error {
	result, err := d.conn.ExecContext(ctx, `
UPDATE kunder SET
  navn = ?, adresse = ?, navn_key = ?, adresse_key = ?, postnummer = ?, poststed = ?, telefon = ?, epost = ?, kontaktperson = ?, org_nummer = ?,
  kategori = ?, siste_kontroll = ?, neste_kontroll = ?, siste_brannkontroll = ?, neste_brannkontroll = ?,
  kontroll_intervall_mnd = ?, notater = ?, aktiv = ?, updated_at = CURRENT_TIMESTAMP
WHERE organization_id = ? AND id = ?
`, c.Navn, c.Adresse, normalizeKey(c.Navn), normalizeKey(c.Adresse), c.Postnummer, c.Poststed, c.Telefon, c.Epost, c.Kontaktperson, c.OrgNummer,
		c.Kategori, c.SisteKontroll, c.NesteKontroll, c.SisteBrannkontroll, c.NesteBrannkontroll,
		c.KontrollIntervallMnd, c.Notater, boolPtrToInt(c.Aktiv), c.OrganizationID, c.ID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("customer not found: id=%d", c.ID)
	}
	return nil
}

func (d *DB) DeleteCustomer(ctx context.Context, organizationID string, id int64) error {
	result, err := d.conn.ExecContext(ctx, `DELETE FROM kunder WHERE organization_id = ? AND id = ?`, organizationID, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("customer not found: id=%d", id)
	}
	return nil
}

func scanCustomer(s rowScanner) (*internal.Customer, error) {
	var c internal.Customer
	var aktiv sql.NullInt64
	if err := s.Scan(
		&c.ID, &c.OrganizationID, &c.Navn, &c.Adresse, &c.Postnummer, &c.Poststed, &c.Telefon, &c.Epost, &c.Kontaktperson, &c.OrgNummer,
		&c.Kategori, &c.SisteKontroll, &c.NesteKontroll, &c.SisteBrannkontroll, &c.NesteBrannkontroll,
		&c.KontrollIntervallMnd, &c.Notater, &aktiv, &c.ImportBatchID,
	); err != nil {
		return nil, err
	}
	if aktiv.Valid {
		v := aktiv.Int64 == 1
		c.Aktiv = &v
	}
	return &c, nil
}

func boolPtrToInt(v *bool) *int {
	if v == nil {
		return nil
	}
	i := boolToInt(*v)
	return &i
}

func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
