package clients

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"hydronet/pkg/apperror"
	"hydronet/pkg/config"
	"hydronet/pkg/hydro"
	"hydronet/pkg/metrics"
)

// FieldOpsClient dispatches work orders to the field crew service. When a
// ticket spool directory is configured, every accepted order also gets a
// printable PDF ticket for crews without radio coverage.
type FieldOpsClient struct {
	rem *remote
	cfg config.FieldOpsConfig
	log *slog.Logger
}

func NewFieldOps(cfg config.FieldOpsConfig, log *slog.Logger, m *metrics.Metrics) *FieldOpsClient {
	if log == nil {
		log = slog.Default()
	}
	return &FieldOpsClient{
		rem: newRemote("fieldops", cfg.BaseURL, cfg.Timeout,
			cfg.BreakerMaxFailures, cfg.BreakerOpenTimeout,
			apperror.CodeFieldOpsUnavailable, log, m, nil),
		cfg: cfg,
		log: log,
	}
}

// CreateWorkOrder registers a work order and returns the crew assignment.
// The printable ticket is best effort: a spool failure is logged, not
// returned, because the order is already accepted.
func (c *FieldOpsClient) CreateWorkOrder(ctx context.Context, wo hydro.WorkOrder) (hydro.WorkOrderReceipt, error) {
	if wo.GateID == "" {
		return hydro.WorkOrderReceipt{}, apperror.New(apperror.CodeNilInput, "work order gate id is empty")
	}

	var receipt hydro.WorkOrderReceipt
	if err := c.rem.call(ctx, "create_work_order", http.MethodPost, "/work-orders", wo, &receipt); err != nil {
		return hydro.WorkOrderReceipt{}, err
	}

	if c.cfg.TicketSpoolDir != "" {
		if err := c.spoolTicket(wo, receipt); err != nil {
			c.log.Warn("failed to spool work order ticket",
				"work_order_id", receipt.ID, "gate_id", wo.GateID, "error", err)
		}
	}
	return receipt, nil
}

type workOrderStatus struct {
	Status string `json:"status"`
}

// GetWorkOrderStatus reports the crew-side state of an order.
func (c *FieldOpsClient) GetWorkOrderStatus(ctx context.Context, id string) (string, error) {
	var st workOrderStatus
	err := c.rem.call(ctx, "get_work_order", http.MethodGet,
		"/work-orders/"+url.PathEscape(id), nil, &st)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

// CancelWorkOrder withdraws an order that has not been executed yet.
func (c *FieldOpsClient) CancelWorkOrder(ctx context.Context, id string) error {
	return c.rem.call(ctx, "cancel_work_order", http.MethodPost,
		"/work-orders/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// BreakerState exposes the breaker state for readiness reporting.
func (c *FieldOpsClient) BreakerState() string {
	return c.rem.State()
}

func (c *FieldOpsClient) spoolTicket(wo hydro.WorkOrder, receipt hydro.WorkOrderReceipt) error {
	doc, err := renderTicket(wo, receipt)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.cfg.TicketSpoolDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.cfg.TicketSpoolDir, receipt.ID+".pdf")
	return os.WriteFile(path, doc, 0o644)
}
