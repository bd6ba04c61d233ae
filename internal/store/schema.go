package store

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

// Table names.
const (
	TableUnits           = "units"
	TableActionLedger    = "action_ledger"
	TableTicketLinks     = "ticket_links"
	TableSyncCursors     = "sync_cursors"
	TableAlerts          = "alerts"
	TableDiagnostics     = "diagnostics"
	TableBillingHistory  = "billing_history"
	TableInvoiceLines    = "invoice_lines"
	TableEngineLocks     = "engine_locks"
	TableActivityEntries = "activity_entries"
)

var (
	// UnitsColumns holds the columns for the "units" table.
	UnitsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Unique: true},
		{Name: "device_id", Type: field.TypeString, Default: ""},
		{Name: "client_id", Type: field.TypeString, Default: ""},
		{Name: "lease_id", Type: field.TypeString, Nullable: true},
		{Name: "package", Type: field.TypeString, Default: ""},
		{Name: "desired", Type: field.TypeString},
		{Name: "actual", Type: field.TypeString},
		{Name: "generation", Type: field.TypeInt64, Default: 0},
		{Name: "speed", Type: field.TypeString, Default: ""},
		{Name: "last_action_at", Type: field.TypeTime, Nullable: true},
		{Name: "observed_at", Type: field.TypeTime, Nullable: true},
		{Name: "updated_at", Type: field.TypeTime},
	}
	UnitsTable = &schema.Table{
		Name:       TableUnits,
		Columns:    UnitsColumns,
		PrimaryKey: []*schema.Column{UnitsColumns[0]},
	}

	// ActionLedgerColumns holds the columns for the "action_ledger" table.
	ActionLedgerColumns = []*schema.Column{
		{Name: "key", Type: field.TypeString, Unique: true},
		{Name: "unit_id", Type: field.TypeString},
		{Name: "kind", Type: field.TypeString},
		{Name: "reason", Type: field.TypeString, Default: ""},
		{Name: "attempts", Type: field.TypeInt, Default: 0},
		{Name: "last_attempt_at", Type: field.TypeTime},
		{Name: "next_attempt_at", Type: field.TypeTime, Nullable: true},
		{Name: "outcome", Type: field.TypeString},
		{Name: "terminal", Type: field.TypeBool, Default: false},
		{Name: "last_error", Type: field.TypeString, Default: ""},
		{Name: "generation", Type: field.TypeInt64, Default: 0},
	}
	ActionLedgerTable = &schema.Table{
		Name:       TableActionLedger,
		Columns:    ActionLedgerColumns,
		PrimaryKey: []*schema.Column{ActionLedgerColumns[0]},
		Indexes: []*schema.Index{
			{Name: "actionledger_unit_id", Unique: false, Columns: []*schema.Column{ActionLedgerColumns[1]}},
		},
	}

	// TicketLinksColumns holds the columns for the "ticket_links" table.
	TicketLinksColumns = []*schema.Column{
		{Name: "pm_ticket_id", Type: field.TypeString, Unique: true},
		{Name: "nms_ticket_id", Type: field.TypeString},
		{Name: "unit_id", Type: field.TypeString, Default: ""},
		{Name: "category", Type: field.TypeString},
		{Name: "pm_status", Type: field.TypeString},
		{Name: "pm_updated_at", Type: field.TypeTime},
		{Name: "nms_status", Type: field.TypeString},
		{Name: "nms_updated_at", Type: field.TypeTime},
		{Name: "created_at", Type: field.TypeTime},
	}
	TicketLinksTable = &schema.Table{
		Name:       TableTicketLinks,
		Columns:    TicketLinksColumns,
		PrimaryKey: []*schema.Column{TicketLinksColumns[0]},
		Indexes: []*schema.Index{
			{Name: "ticketlink_nms_ticket_id", Unique: true, Columns: []*schema.Column{TicketLinksColumns[1]}},
		},
	}

	// SyncCursorsColumns holds the columns for the "sync_cursors" table.
	SyncCursorsColumns = []*schema.Column{
		{Name: "name", Type: field.TypeString, Unique: true},
		{Name: "value", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	SyncCursorsTable = &schema.Table{
		Name:       TableSyncCursors,
		Columns:    SyncCursorsColumns,
		PrimaryKey: []*schema.Column{SyncCursorsColumns[0]},
	}

	// AlertsColumns holds the columns for the "alerts" table.
	AlertsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Unique: true},
		{Name: "kind", Type: field.TypeString},
		{Name: "unit_id", Type: field.TypeString, Default: ""},
		{Name: "key", Type: field.TypeString, Default: ""},
		{Name: "message", Type: field.TypeString},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "cleared", Type: field.TypeBool, Default: false},
	}
	AlertsTable = &schema.Table{
		Name:       TableAlerts,
		Columns:    AlertsColumns,
		PrimaryKey: []*schema.Column{AlertsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "alert_kind_key", Unique: true, Columns: []*schema.Column{AlertsColumns[1], AlertsColumns[3]}},
		},
	}

	// DiagnosticsColumns holds the columns for the "diagnostics" table.
	DiagnosticsColumns = []*schema.Column{
		{Name: "unit_id", Type: field.TypeString},
		{Name: "kind", Type: field.TypeString},
		{Name: "cycle_id", Type: field.TypeString},
		{Name: "lease_id", Type: field.TypeString, Default: ""},
		{Name: "detail", Type: field.TypeString},
		{Name: "raised_at", Type: field.TypeTime},
	}
	DiagnosticsTable = &schema.Table{
		Name:       TableDiagnostics,
		Columns:    DiagnosticsColumns,
		PrimaryKey: []*schema.Column{DiagnosticsColumns[0], DiagnosticsColumns[1]},
	}

	// BillingHistoryColumns holds the columns for the "billing_history" table.
	BillingHistoryColumns = []*schema.Column{
		{Name: "period", Type: field.TypeString, Unique: true},
		{Name: "occupied", Type: field.TypeInt},
		{Name: "total_units", Type: field.TypeInt},
		{Name: "base_rate_cents", Type: field.TypeInt64},
		{Name: "addon_cents", Type: field.TypeInt64},
		{Name: "total_cents", Type: field.TypeInt64},
		{Name: "generated_at", Type: field.TypeTime},
	}
	BillingHistoryTable = &schema.Table{
		Name:       TableBillingHistory,
		Columns:    BillingHistoryColumns,
		PrimaryKey: []*schema.Column{BillingHistoryColumns[0]},
	}

	// InvoiceLinesColumns holds the columns for the "invoice_lines" table.
	InvoiceLinesColumns = []*schema.Column{
		{Name: "period", Type: field.TypeString},
		{Name: "lease_id", Type: field.TypeString},
		{Name: "unit_id", Type: field.TypeString},
		{Name: "amount_cents", Type: field.TypeInt64},
		{Name: "label", Type: field.TypeString},
		{Name: "posted_at", Type: field.TypeTime},
	}
	InvoiceLinesTable = &schema.Table{
		Name:       TableInvoiceLines,
		Columns:    InvoiceLinesColumns,
		PrimaryKey: []*schema.Column{InvoiceLinesColumns[0], InvoiceLinesColumns[1]},
	}

	// EngineLocksColumns holds the columns for the "engine_locks" table.
	EngineLocksColumns = []*schema.Column{
		{Name: "name", Type: field.TypeString, Unique: true},
		{Name: "holder", Type: field.TypeString},
		{Name: "acquired_at", Type: field.TypeTime},
		{Name: "expires_at", Type: field.TypeTime},
	}
	EngineLocksTable = &schema.Table{
		Name:       TableEngineLocks,
		Columns:    EngineLocksColumns,
		PrimaryKey: []*schema.Column{EngineLocksColumns[0]},
	}

	// ActivityEntriesColumns holds the columns for the "activity_entries" table.
	ActivityEntriesColumns = []*schema.Column{
		{Name: "indexed_entity_type", Type: field.TypeString},
		{Name: "indexed_entity_id", Type: field.TypeString},
		{Name: "event_id", Type: field.TypeString},
		{Name: "event_type", Type: field.TypeString},
		{Name: "occurred_at", Type: field.TypeTime},
		{Name: "entity_role", Type: field.TypeString},
		{Name: "source_refs", Type: field.TypeJSON},
		{Name: "summary", Type: field.TypeString},
		{Name: "category", Type: field.TypeString},
		{Name: "weight", Type: field.TypeString},
		{Name: "payload", Type: field.TypeJSON, Nullable: true},
	}
	ActivityEntriesTable = &schema.Table{
		Name:       TableActivityEntries,
		Columns:    ActivityEntriesColumns,
		PrimaryKey: []*schema.Column{ActivityEntriesColumns[0], ActivityEntriesColumns[1], ActivityEntriesColumns[2]},
		Indexes: []*schema.Index{
			{Name: "activity_entity_time", Unique: false, Columns: []*schema.Column{ActivityEntriesColumns[0], ActivityEntriesColumns[1], ActivityEntriesColumns[4]}},
		},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		UnitsTable,
		ActionLedgerTable,
		TicketLinksTable,
		SyncCursorsTable,
		AlertsTable,
		DiagnosticsTable,
		BillingHistoryTable,
		InvoiceLinesTable,
		EngineLocksTable,
		ActivityEntriesTable,
	}
)
