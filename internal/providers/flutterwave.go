package providers

import (
	"context"
	"crypto/subtle"
	"iter"
	"net/http"
	"net/url"
	"strconv"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
)

const FlutterwaveID = "flutterwave"

var flutterwaveStatuses = statusTable{
	"successful": models.StatusCompleted,
	"success":    models.StatusCompleted,
	"completed":  models.StatusCompleted,
	"failed":     models.StatusFailed,
	"cancelled":  models.StatusFailed,
	"pending":    models.StatusProcessing,
	"new":        models.StatusProcessing,
}

func init() {
	RegisterFactory(FlutterwaveID, NewFlutterwave)
}

// Flutterwave takes major-unit amounts. Our correlation id is sent as
// tx_ref and doubles as the provider reference until the charge settles.
type Flutterwave struct {
	*base
}

func NewFlutterwave(cfg config.ProviderConfig, opts ...Option) (Adapter, error) {
	b, err := newBase(FlutterwaveID, KindCard, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &Flutterwave{base: b}, nil
}

type flutterwaveEnvelope struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Data    payload `json:"data"`
	Meta    payload `json:"meta"`
}

func (f *Flutterwave) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	body := map[string]any{
		"tx_ref":   req.CorrelationID,
		"amount":   req.Amount.StringFixed(2),
		"currency": req.Currency,
		"customer": map[string]any{"email": req.Email, "phonenumber": req.PhoneNumber},
		"meta":     map[string]any{"user_id": req.UserID},
	}
	path := "/v3/payments"
	if req.CardToken != "" {
		path = "/v3/tokenized-charges"
		body["token"] = req.CardToken
		body["email"] = req.Email
	} else {
		body["redirect_url"] = f.cfg.CallbackURL
		body["payment_options"] = "card"
	}

	var env flutterwaveEnvelope
	if _, err := f.do(ctx, "initiate", call{method: http.MethodPost, path: path, headers: f.bearer(), body: body, out: &env}); err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, payerr.Newf(payerr.KindInvalidRequest, "flutterwave declined the charge: %s", env.Message)
	}

	res := &InitiateResponse{
		ProviderReference: firstNonEmpty(env.Data.str("tx_ref"), req.CorrelationID),
		Status:            models.StatusProcessing,
	}
	if link := env.Data.str("link"); link != "" {
		res.RequiresAction = true
		res.ActionURL = link
	}
	if s := flutterwaveStatuses.normalize(env.Data.str("status")); s != models.StatusUnknown {
		res.Status = s
	}
	return res, nil
}

func (f *Flutterwave) Verify(ctx context.Context, reference string) (*VerifyResponse, error) {
	data, err := f.lookup(ctx, reference)
	if err != nil {
		return nil, err
	}
	amount, _ := data.decimal("amount")
	raw := data.str("status")
	return &VerifyResponse{
		Reference:     firstNonEmpty(data.str("tx_ref"), reference),
		Status:        flutterwaveStatuses.normalize(raw),
		RawStatus:     raw,
		Amount:        FromWire(f.id, amount),
		Currency:      data.str("currency"),
		CompletedAt:   data.time("created_at"),
		FailureReason: data.str("processor_response"),
	}, nil
}

func (f *Flutterwave) lookup(ctx context.Context, reference string) (payload, error) {
	var env flutterwaveEnvelope
	_, err := f.do(ctx, "verify", call{
		method:  http.MethodGet,
		path:    "/v3/transactions/verify_by_reference",
		query:   map[string]string{"tx_ref": reference},
		headers: f.bearer(),
		out:     &env,
	})
	if err != nil {
		return nil, err
	}
	if env.Status != "success" || env.Data == nil {
		return nil, payerr.NotFound("transaction %s not found at flutterwave", reference)
	}
	return env.Data, nil
}

// Refund needs flutterwave's numeric transaction id, so the reference is
// resolved first.
func (f *Flutterwave) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	data, err := f.lookup(ctx, req.Reference)
	if err != nil {
		return nil, err
	}
	id := data.str("id")
	if id == "" {
		return nil, payerr.Newf(payerr.KindProviderUnavailable, "flutterwave returned no id for %s", req.Reference)
	}

	var env flutterwaveEnvelope
	_, err = f.do(ctx, "refund", call{
		method:  http.MethodPost,
		path:    "/v3/transactions/" + url.PathEscape(id) + "/refund",
		headers: f.bearer(),
		body:    map[string]any{"amount": req.Amount.StringFixed(2), "comments": req.Reason},
		out:     &env,
	})
	if err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, payerr.Newf(payerr.KindInvalidRequest, "flutterwave declined the refund: %s", env.Message)
	}
	status := flutterwaveStatuses.normalize(env.Data.str("status"))
	if status == models.StatusUnknown {
		status = models.StatusProcessing
	}
	return &RefundResponse{RefundReference: env.Data.str("id"), Status: status}, nil
}

// ParseCallback accepts the v3 envelope ({event, data}) and the flat v2
// body (txRef at the top level).
func (f *Flutterwave) ParseCallback(raw []byte) (*CallbackDelta, error) {
	body, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	data := body.object("data")
	if data == nil {
		data = body
	}
	rawStatus := data.str("status")
	d := &CallbackDelta{
		Reference:     data.str("tx_ref", "txRef", "txref"),
		Status:        flutterwaveStatuses.normalize(rawStatus),
		RawStatus:     rawStatus,
		Amount:        nullAmount(f.id, data, "amount", "charged_amount"),
		Currency:      data.str("currency"),
		FailureReason: data.str("processor_response"),
		OccurredAt:    data.time("created_at", "createdAt"),
	}
	d.CorrelationID = d.Reference
	return d, requireReference(d)
}

// VerifySignature compares the verif-hash header with the configured
// webhook secret.
func (f *Flutterwave) VerifySignature(h http.Header, _ []byte) error {
	got := h.Get("verif-hash")
	if got == "" || f.cfg.WebhookSecret == "" ||
		subtle.ConstantTimeCompare([]byte(got), []byte(f.cfg.WebhookSecret)) != 1 {
		return payerr.New(payerr.KindForbidden, "signature mismatch")
	}
	return nil
}

func (f *Flutterwave) ListTransactions(ctx context.Context, w Window) iter.Seq2[Record, error] {
	return f.paginate(ctx, func(ctx context.Context, page int) ([]Record, bool, error) {
		var env struct {
			Status string    `json:"status"`
			Data   []payload `json:"data"`
			Meta   payload   `json:"meta"`
		}
		_, err := f.do(ctx, "list", call{
			method:  http.MethodGet,
			path:    "/v3/transactions",
			headers: f.bearer(),
			query: map[string]string{
				"from": w.Start.UTC().Format("2006-01-02"),
				"to":   w.End.UTC().Format("2006-01-02"),
				"page": strconv.Itoa(page),
			},
			out: &env,
		})
		if err != nil {
			return nil, false, err
		}
		records := make([]Record, 0, len(env.Data))
		for _, item := range env.Data {
			rec := Record{
				Reference:     item.str("tx_ref"),
				CorrelationID: item.str("tx_ref"),
				RawStatus:     item.str("status"),
				Currency:      item.str("currency"),
				Customer:      item.str("customer.email", "customer.phone_number"),
			}
			rec.Status = flutterwaveStatuses.normalize(rec.RawStatus)
			amount, _ := item.decimal("amount")
			rec.Amount = FromWire(f.id, amount)
			if t := item.time("created_at"); t != nil {
				rec.CreatedAt = *t
			}
			// The API filters by whole days; trim to the exact window.
			if !rec.CreatedAt.IsZero() && !w.Contains(rec.CreatedAt) {
				continue
			}
			records = append(records, rec)
		}
		totalPages, _ := env.Meta.decimal("page_info.total_pages")
		return records, int64(page) < totalPages.IntPart(), nil
	})
}
