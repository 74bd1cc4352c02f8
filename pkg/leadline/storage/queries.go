package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------- Tenants ----------

// UpsertTenant creates or updates a tenant row. Status is not touched on
// update; only the session manager writes it.
func (d *DB) UpsertTenant(ctx context.Context, t *Tenant) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TenantNotStarted
	}
	if t.Settings == "" {
		t.Settings = "{}"
	}
	_, err := d.db.ExecContext(ctx, d.Rebind(`
		INSERT INTO tenants (id, name, wa_status, system_prompt, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			system_prompt = excluded.system_prompt,
			settings = excluded.settings,
			updated_at = excluded.updated_at`),
		t.ID, t.Name, string(t.Status), t.SystemPrompt, t.Settings, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting tenant %s: %w", t.ID, err)
	}
	return nil
}

// Tenant loads one tenant by id.
func (d *DB) Tenant(ctx context.Context, id string) (*Tenant, error) {
	row := d.db.QueryRowContext(ctx, d.Rebind(`
		SELECT id, name, wa_status, system_prompt, settings, created_at, updated_at
		FROM tenants WHERE id = ?`), id)
	return scanTenant(row)
}

// SetTenantStatus persists the tenant's linkage status.
func (d *DB) SetTenantStatus(ctx context.Context, id string, status TenantStatus) error {
	res, err := d.db.ExecContext(ctx, d.Rebind(`
		UPDATE tenants SET wa_status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating tenant %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating tenant %s status: %w", id, ErrNotFound)
	}
	return nil
}

// TenantsByStatus lists tenants with the given persisted status.
func (d *DB) TenantsByStatus(ctx context.Context, status TenantStatus) ([]Tenant, error) {
	rows, err := d.db.QueryContext(ctx, d.Rebind(`
		SELECT id, name, wa_status, system_prompt, settings, created_at, updated_at
		FROM tenants WHERE wa_status = ? ORDER BY id`), string(status))
	if err != nil {
		return nil, fmt.Errorf("listing tenants by status: %w", err)
	}
	defer rows.Close()
	return collectTenants(rows)
}

// Tenants lists all tenants.
func (d *DB) Tenants(ctx context.Context) ([]Tenant, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, wa_status, system_prompt, settings, created_at, updated_at
		FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()
	return collectTenants(rows)
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	var status string
	err := row.Scan(&t.ID, &t.Name, &status, &t.SystemPrompt, &t.Settings, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}
	t.Status = TenantStatus(status)
	return &t, nil
}

func collectTenants(rows *sql.Rows) ([]Tenant, error) {
	var out []Tenant
	for rows.Next() {
		var t Tenant
		var status string
		if err := rows.Scan(&t.ID, &t.Name, &status, &t.SystemPrompt, &t.Settings, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		t.Status = TenantStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------- Leads ----------

// CreateLead inserts a new lead, assigning an id when empty.
func (d *DB) CreateLead(ctx context.Context, l *Lead) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.LastActivityAt.IsZero() {
		l.LastActivityAt = now
	}
	l.UpdatedAt = now
	if l.Status == "" {
		l.Status = LeadNew
	}
	if l.Automation == "" {
		l.Automation = AutomationActive
	}
	if l.Metadata == "" {
		l.Metadata = "{}"
	}
	_, err := d.db.ExecContext(ctx, d.Rebind(`
		INSERT INTO leads (id, tenant_id, address, real_address, name, status, automation,
			metadata, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		l.ID, l.TenantID, l.Address, l.RealAddress, l.Name, string(l.Status),
		string(l.Automation), l.Metadata, l.LastActivityAt, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating lead for %s/%s: %w", l.TenantID, l.Address, err)
	}
	return nil
}

// LeadByAddress loads the lead keyed by (tenant, address).
func (d *DB) LeadByAddress(ctx context.Context, tenantID, address string) (*Lead, error) {
	row := d.db.QueryRowContext(ctx, d.Rebind(`
		SELECT id, tenant_id, address, real_address, name, status, automation,
			metadata, last_activity_at, created_at, updated_at
		FROM leads WHERE tenant_id = ? AND address = ?`), tenantID, address)
	return scanLead(row)
}

// LeadByID loads one lead by id.
func (d *DB) LeadByID(ctx context.Context, id string) (*Lead, error) {
	row := d.db.QueryRowContext(ctx, d.Rebind(`
		SELECT id, tenant_id, address, real_address, name, status, automation,
			metadata, last_activity_at, created_at, updated_at
		FROM leads WHERE id = ?`), id)
	return scanLead(row)
}

// SetLeadAutomation flips the automation status of a lead.
func (d *DB) SetLeadAutomation(ctx context.Context, id string, a Automation) error {
	_, err := d.db.ExecContext(ctx, d.Rebind(`
		UPDATE leads SET automation = ?, updated_at = ? WHERE id = ?`),
		string(a), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating lead %s automation: %w", id, err)
	}
	return nil
}

// SetLeadStatus advances the sales lifecycle status of a lead.
func (d *DB) SetLeadStatus(ctx context.Context, id string, s LeadStatus) error {
	_, err := d.db.ExecContext(ctx, d.Rebind(`
		UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`),
		string(s), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating lead %s status: %w", id, err)
	}
	return nil
}

// SetLeadName updates the display name reported by the network.
func (d *DB) SetLeadName(ctx context.Context, id, name string) error {
	_, err := d.db.ExecContext(ctx, d.Rebind(`
		UPDATE leads SET name = ?, updated_at = ? WHERE id = ?`),
		name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating lead %s name: %w", id, err)
	}
	return nil
}

// SetLeadRealAddress records the stable address reconciled from a rotating
// anonymized one.
func (d *DB) SetLeadRealAddress(ctx context.Context, id, realAddress string) error {
	_, err := d.db.ExecContext(ctx, d.Rebind(`
		UPDATE leads SET real_address = ?, updated_at = ? WHERE id = ?`),
		realAddress, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating lead %s real address: %w", id, err)
	}
	return nil
}

// TouchLead bumps the last-activity timestamp.
func (d *DB) TouchLead(ctx context.Context, id string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, d.Rebind(`
		UPDATE leads SET last_activity_at = ?, updated_at = ? WHERE id = ?`),
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touching lead %s: %w", id, err)
	}
	return nil
}

// LeadsByTenant lists a tenant's leads, most recently active first.
func (d *DB) LeadsByTenant(ctx context.Context, tenantID string) ([]Lead, error) {
	rows, err := d.db.QueryContext(ctx, d.Rebind(`
		SELECT id, tenant_id, address, real_address, name, status, automation,
			metadata, last_activity_at, created_at, updated_at
		FROM leads WHERE tenant_id = ?
		ORDER BY last_activity_at DESC`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing leads for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		var l Lead
		var status, automation string
		if err := rows.Scan(&l.ID, &l.TenantID, &l.Address, &l.RealAddress, &l.Name,
			&status, &automation, &l.Metadata, &l.LastActivityAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning lead: %w", err)
		}
		l.Status = LeadStatus(status)
		l.Automation = Automation(automation)
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLead(row *sql.Row) (*Lead, error) {
	var l Lead
	var status, automation string
	err := row.Scan(&l.ID, &l.TenantID, &l.Address, &l.RealAddress, &l.Name,
		&status, &automation, &l.Metadata, &l.LastActivityAt, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning lead: %w", err)
	}
	l.Status = LeadStatus(status)
	l.Automation = Automation(automation)
	return &l, nil
}

// ---------- Messages ----------

// InsertMessage persists one message, assigning an id when empty. A
// duplicate external id surfaces as a unique violation.
func (d *DB) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	_, err := d.db.ExecContext(ctx, d.Rebind(`
		INSERT INTO messages (id, tenant_id, lead_id, role, content, msg_type, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.TenantID, m.LeadID, string(m.Role), m.Content, string(m.Type),
		nullable(m.ExternalID), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message for lead %s: %w", m.LeadID, err)
	}
	return nil
}

// InsertMessages bulk-inserts a batch inside one transaction. Duplicate
// external ids are skipped so one replayed event cannot poison a batch.
func (d *DB) InsertMessages(ctx context.Context, batch []*Message) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, d.Rebind(`
		INSERT INTO messages (id, tenant_id, lead_id, role, content, msg_type, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("preparing batch insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if m.Type == "" {
			m.Type = TypeText
		}
		_, err := stmt.ExecContext(ctx, m.ID, m.TenantID, m.LeadID, string(m.Role),
			m.Content, string(m.Type), nullable(m.ExternalID), m.CreatedAt)
		if err != nil {
			if IsUniqueViolation(err) {
				continue
			}
			return fmt.Errorf("inserting batch message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch insert: %w", err)
	}
	return nil
}

// MessageExists reports whether a message with the given external id is
// already stored for the tenant.
func (d *DB) MessageExists(ctx context.Context, tenantID, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	var one int
	err := d.db.QueryRowContext(ctx, d.Rebind(`
		SELECT 1 FROM messages WHERE tenant_id = ? AND external_id = ?`),
		tenantID, externalID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", externalID, err)
	}
	return true, nil
}

// RecentMessages returns the last limit messages of a lead, oldest first.
func (d *DB) RecentMessages(ctx context.Context, leadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.QueryContext(ctx, d.Rebind(`
		SELECT id, tenant_id, lead_id, role, content, msg_type, external_id, created_at
		FROM messages WHERE lead_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading messages for lead %s: %w", leadID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role, msgType string
		var extID sql.NullString
		if err := rows.Scan(&m.ID, &m.TenantID, &m.LeadID, &role, &m.Content,
			&msgType, &extID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = Role(role)
		m.Type = MessageType(msgType)
		m.ExternalID = extID.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; history is consumed oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteMessagesBefore removes messages older than the cutoff. Used by the
// retention job.
func (d *DB) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.Rebind(`
		DELETE FROM messages WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting old messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Counts returns row totals for the status endpoint.
func (d *DB) Counts(ctx context.Context) (tenants, leads, messages int64, err error) {
	if err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tenants").Scan(&tenants); err != nil {
		return 0, 0, 0, fmt.Errorf("counting tenants: %w", err)
	}
	if err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM leads").Scan(&leads); err != nil {
		return 0, 0, 0, fmt.Errorf("counting leads: %w", err)
	}
	if err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&messages); err != nil {
		return 0, 0, 0, fmt.Errorf("counting messages: %w", err)
	}
	return tenants, leads, messages, nil
}

// nullable maps "" to NULL for optional unique columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
