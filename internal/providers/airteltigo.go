package providers

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
)

const AirtelTigoID = "airteltigo"

// AirtelTigo status codes: TS success, TF failed, TIP in progress,
// TA ambiguous, TE expired.
var airtelStatuses = statusTable{
	"ts":      models.StatusCompleted,
	"success": models.StatusCompleted,
	"tf":      models.StatusFailed,
	"te":      models.StatusFailed,
	"failed":  models.StatusFailed,
	"tip":     models.StatusProcessing,
	"ta":      models.StatusProcessing,
}

func init() {
	RegisterFactory(AirtelTigoID, NewAirtelTigo)
}

// AirtelTigo keys transactions by the id we send, so our correlation id is
// also the provider reference. airtel_money_id is kept for refunds.
type AirtelTigo struct {
	*base
}

func NewAirtelTigo(cfg config.ProviderConfig, opts ...Option) (Adapter, error) {
	b, err := newBase(AirtelTigoID, KindMobileMoney, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &AirtelTigo{base: b}, nil
}

func (a *AirtelTigo) headers(currency string) map[string]string {
	h := a.bearer()
	h["X-Country"] = "GH"
	if currency != "" {
		h["X-Currency"] = currency
	}
	return h
}

type airtelEnvelope struct {
	Data   payload `json:"data"`
	Status payload `json:"status"`
}

func (e airtelEnvelope) ok() bool {
	return e.Status.str("success") == "true"
}

func (a *AirtelTigo) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	if req.PhoneNumber == "" {
		return nil, payerr.InvalidRequest("airteltigo requires a phone number")
	}
	var env airtelEnvelope
	_, err := a.do(ctx, "initiate", call{
		method:  http.MethodPost,
		path:    "/merchant/v1/payments/",
		headers: a.headers(req.Currency),
		body: map[string]any{
			"reference":   firstNonEmpty(req.Description, "Ride payment"),
			"subscriber":  map[string]any{"country": "GH", "currency": req.Currency, "msisdn": msisdn(req.PhoneNumber)},
			"transaction": map[string]any{"amount": ToWire(a.id, req.Amount).StringFixed(2), "country": "GH", "currency": req.Currency, "id": req.CorrelationID},
		},
		out: &env,
	})
	if err != nil {
		return nil, err
	}
	if !env.ok() {
		return nil, payerr.Newf(payerr.KindInvalidRequest, "airteltigo declined the payment: %s", env.Status.str("message"))
	}
	return &InitiateResponse{
		ProviderReference: firstNonEmpty(env.Data.str("transaction.id"), req.CorrelationID),
		Status:            models.StatusProcessing,
		RequiresAction:    true,
	}, nil
}

func (a *AirtelTigo) enquire(ctx context.Context, reference string) (payload, error) {
	var env airtelEnvelope
	if _, err := a.do(ctx, "verify", call{
		method:  http.MethodGet,
		path:    "/standard/v1/payments/" + url.PathEscape(reference),
		headers: a.headers(""),
		out:     &env,
	}); err != nil {
		return nil, err
	}
	txn := env.Data.object("transaction")
	if txn == nil {
		return nil, payerr.NotFound("transaction %s not found at airteltigo", reference)
	}
	return txn, nil
}

func (a *AirtelTigo) Verify(ctx context.Context, reference string) (*VerifyResponse, error) {
	txn, err := a.enquire(ctx, reference)
	if err != nil {
		return nil, err
	}
	amount, _ := txn.decimal("amount")
	raw := txn.str("status")
	out := &VerifyResponse{
		Reference: firstNonEmpty(txn.str("id"), reference),
		Status:    airtelStatuses.normalize(raw),
		RawStatus: raw,
		Amount:    FromWire(a.id, amount),
		Currency:  txn.str("currency"),
	}
	if out.Status == models.StatusFailed {
		out.FailureReason = txn.str("message")
	}
	return out, nil
}

func (a *AirtelTigo) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	txn, err := a.enquire(ctx, req.Reference)
	if err != nil {
		return nil, err
	}
	moneyID := txn.str("airtel_money_id")
	if moneyID == "" {
		return nil, payerr.Newf(payerr.KindProviderUnavailable, "airteltigo returned no money id for %s", req.Reference)
	}
	var env airtelEnvelope
	if _, err := a.do(ctx, "refund", call{
		method:  http.MethodPost,
		path:    "/standard/v1/payments/refund",
		headers: a.headers(req.Currency),
		body:    map[string]any{"transaction": map[string]any{"airtel_money_id": moneyID}},
		out:     &env,
	}); err != nil {
		return nil, err
	}
	if !env.ok() {
		return nil, payerr.Newf(payerr.KindInvalidRequest, "airteltigo declined the refund: %s", env.Status.str("message"))
	}
	status := airtelStatuses.normalize(env.Data.str("transaction.status"))
	if status == models.StatusUnknown {
		status = models.StatusProcessing
	}
	return &RefundResponse{RefundReference: moneyID, Status: status}, nil
}

func (a *AirtelTigo) ParseCallback(raw []byte) (*CallbackDelta, error) {
	body, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	txn := body.object("transaction")
	if txn == nil {
		return nil, payerr.InvalidRequest("airteltigo callback has no transaction object")
	}
	code := txn.str("status_code", "status")
	d := &CallbackDelta{
		Reference:     txn.str("id"),
		CorrelationID: txn.str("id"),
		Status:        airtelStatuses.normalize(code),
		RawStatus:     code,
		Amount:        nullAmount(a.id, txn, "amount"),
		Currency:      txn.str("currency"),
	}
	if d.Status == models.StatusFailed {
		d.FailureReason = txn.str("message")
	}
	return d, requireReference(d)
}

func (a *AirtelTigo) ListTransactions(ctx context.Context, w Window) iter.Seq2[Record, error] {
	return a.paginate(ctx, func(ctx context.Context, page int) ([]Record, bool, error) {
		var env struct {
			Data struct {
				Transactions []payload `json:"transactions"`
				Total        int       `json:"total"`
			} `json:"data"`
		}
		_, err := a.do(ctx, "list", call{
			method:  http.MethodGet,
			path:    "/standard/v1/payments",
			headers: a.headers(""),
			query: map[string]string{
				"from":   w.Start.UTC().Format(time.RFC3339),
				"to":     w.End.UTC().Format(time.RFC3339),
				"offset": strconv.Itoa((page - 1) * a.cfg.PageSize),
				"limit":  strconv.Itoa(a.cfg.PageSize),
			},
			out: &env,
		})
		if err != nil {
			return nil, false, err
		}
		records := make([]Record, 0, len(env.Data.Transactions))
		for _, item := range env.Data.Transactions {
			amount, _ := item.decimal("amount")
			raw := item.str("status")
			rec := Record{
				Reference:     item.str("id"),
				CorrelationID: item.str("id"),
				Status:        airtelStatuses.normalize(raw),
				RawStatus:     raw,
				Amount:        FromWire(a.id, amount),
				Currency:      item.str("currency"),
				Customer:      item.str("msisdn"),
			}
			if t := item.time("created_at", "createdAt"); t != nil {
				rec.CreatedAt = *t
			}
			records = append(records, rec)
		}
		return records, page*a.cfg.PageSize < env.Data.Total, nil
	})
}
