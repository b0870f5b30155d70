package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veyra/flowcore/pkg/schema"
)

// Mailer delivers outbound email for the send_email function.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NoopMailer accepts every message without delivering it.
type NoopMailer struct{}

func (NoopMailer) Send(ctx context.Context, to, subject, body string) error { return nil }

// RegisterBuiltins installs the closed set of business functions.
func RegisterBuiltins(r *Registry, mailer Mailer) error {
	if mailer == nil {
		mailer = NoopMailer{}
	}
	builtins := map[string]Func{
		"create_excel":          createExcel,
		"send_email":            sendEmail(mailer),
		"create_purchase_order": createPurchaseOrder,
	}
	for name, fn := range builtins {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// createExcel produces a spreadsheet report descriptor.
func createExcel(ctx context.Context, params map[string]any, companyID string) (json.RawMessage, error) {
	filename := stringParam(params, "filename", "report.xlsx")
	return json.Marshal(map[string]any{
		"filename": filename,
		"status":   "generated",
	})
}

// sendEmail delivers a message through the configured mailer.
func sendEmail(mailer Mailer) Func {
	return func(ctx context.Context, params map[string]any, companyID string) (json.RawMessage, error) {
		to := stringParam(params, "to", "")
		if to == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "send_email requires to")
		}
		subject := stringParam(params, "subject", "")
		body := stringParam(params, "body", "")

		if err := mailer.Send(ctx, to, subject, body); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"send_email failed: %s", err.Error()).WithCause(err)
		}
		return json.Marshal(map[string]any{
			"status":    "sent",
			"recipient": to,
		})
	}
}

// createPurchaseOrder opens a draft purchase order.
func createPurchaseOrder(ctx context.Context, params map[string]any, companyID string) (json.RawMessage, error) {
	supplierID := stringParam(params, "supplierId", "")
	items := sliceParam(params, "items")

	if supplierID == "" || len(items) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "Purchase order requires supplierId and items")
	}

	orderID := fmt.Sprintf("PO-%d", time.Now().UnixMilli())
	return json.Marshal(map[string]any{
		"status":  "draft",
		"orderId": orderID,
	})
}
