package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
)

const PaystackID = "paystack"

var paystackStatuses = statusTable{
	"success":    models.StatusCompleted,
	"failed":     models.StatusFailed,
	"abandoned":  models.StatusFailed,
	"reversed":   models.StatusRefunded,
	"ongoing":    models.StatusProcessing,
	"pending":    models.StatusProcessing,
	"processing": models.StatusProcessing,
	"queued":     models.StatusProcessing,
	"send_otp":   models.StatusProcessing,
}

var paystackRefundStatuses = statusTable{
	"processed":  models.StatusCompleted,
	"pending":    models.StatusProcessing,
	"processing": models.StatusProcessing,
	"failed":     models.StatusFailed,
}

func init() {
	RegisterFactory(PaystackID, NewPaystack)
}

// Paystack is a card provider. Amounts travel in minor units and
// callbacks are signed with HMAC-SHA512 of the raw body.
type Paystack struct {
	*base
}

func NewPaystack(cfg config.ProviderConfig, opts ...Option) (Adapter, error) {
	b, err := newBase(PaystackID, KindCard, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &Paystack{base: b}, nil
}

type paystackEnvelope struct {
	Status  bool    `json:"status"`
	Message string  `json:"message"`
	Data    payload `json:"data"`
}

func (p *Paystack) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    ToWire(p.id, req.Amount).StringFixed(0),
		"currency":  req.Currency,
		"reference": req.CorrelationID,
		"metadata":  map[string]any{"correlation_id": req.CorrelationID, "user_id": req.UserID},
	}
	path := "/transaction/initialize"
	if req.CardToken != "" {
		path = "/transaction/charge_authorization"
		body["authorization_code"] = req.CardToken
	} else if p.cfg.CallbackURL != "" {
		body["callback_url"] = p.cfg.CallbackURL
	}

	var env paystackEnvelope
	if _, err := p.do(ctx, "initiate", call{method: http.MethodPost, path: path, headers: p.bearer(), body: body, out: &env}); err != nil {
		return nil, err
	}
	if !env.Status {
		return nil, payerr.Newf(payerr.KindInvalidRequest, "paystack declined the charge: %s", env.Message)
	}

	res := &InitiateResponse{
		ProviderReference: env.Data.str("reference"),
		Status:            models.StatusProcessing,
	}
	if res.ProviderReference == "" {
		res.ProviderReference = req.CorrelationID
	}
	if link := env.Data.str("authorization_url"); link != "" {
		res.RequiresAction = true
		res.ActionURL = link
	}
	if raw := env.Data.str("status"); raw != "" {
		if s := paystackStatuses.normalize(raw); s != models.StatusUnknown {
			res.Status = s
		}
	}
	return res, nil
}

func (p *Paystack) Verify(ctx context.Context, reference string) (*VerifyResponse, error) {
	var env paystackEnvelope
	_, err := p.do(ctx, "verify", call{
		method:  http.MethodGet,
		path:    "/transaction/verify/" + url.PathEscape(reference),
		headers: p.bearer(),
		out:     &env,
		accept:  []int{http.StatusBadRequest},
	})
	if err != nil {
		return nil, err
	}
	if !env.Status {
		// Paystack answers unknown references with 400 and status=false.
		return nil, payerr.NotFound("transaction %s not found at paystack", reference)
	}
	amount, _ := env.Data.decimal("amount")
	raw := env.Data.str("status")
	return &VerifyResponse{
		Reference:     firstNonEmpty(env.Data.str("reference"), reference),
		Status:        paystackStatuses.normalize(raw),
		RawStatus:     raw,
		Amount:        FromWire(p.id, amount),
		Currency:      env.Data.str("currency"),
		CompletedAt:   env.Data.time("paid_at", "paidAt"),
		FailureReason: env.Data.str("gateway_response"),
	}, nil
}

func (p *Paystack) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	body := map[string]any{
		"transaction":   req.Reference,
		"amount":        ToWire(p.id, req.Amount).StringFixed(0),
		"currency":      req.Currency,
		"merchant_note": req.Reason,
	}
	var env paystackEnvelope
	if _, err := p.do(ctx, "refund", call{method: http.MethodPost, path: "/refund", headers: p.bearer(), body: body, out: &env}); err != nil {
		return nil, err
	}
	if !env.Status {
		return nil, payerr.Newf(payerr.KindInvalidRequest, "paystack declined the refund: %s", env.Message)
	}
	status := paystackRefundStatuses.normalize(env.Data.str("status"))
	if status == models.StatusUnknown {
		status = models.StatusProcessing
	}
	return &RefundResponse{RefundReference: env.Data.str("id"), Status: status}, nil
}

func (p *Paystack) RefundStatus(ctx context.Context, refundReference string) (*RefundResponse, error) {
	var env paystackEnvelope
	if _, err := p.do(ctx, "refund_status", call{
		method:  http.MethodGet,
		path:    "/refund/" + url.PathEscape(refundReference),
		headers: p.bearer(),
		out:     &env,
	}); err != nil {
		return nil, err
	}
	status := paystackRefundStatuses.normalize(env.Data.str("status"))
	if status == models.StatusUnknown {
		status = models.StatusProcessing
	}
	return &RefundResponse{RefundReference: refundReference, Status: status}, nil
}

func (p *Paystack) ParseCallback(raw []byte) (*CallbackDelta, error) {
	body, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	data := body.object("data")
	if data == nil {
		return nil, payerr.InvalidRequest("paystack callback has no data object")
	}
	rawStatus := data.str("status")
	if rawStatus == "" {
		switch body.str("event") {
		case "charge.success":
			rawStatus = "success"
		case "charge.failed":
			rawStatus = "failed"
		}
	}
	d := &CallbackDelta{
		Reference:     data.str("reference"),
		CorrelationID: data.str("metadata.correlation_id"),
		Status:        paystackStatuses.normalize(rawStatus),
		RawStatus:     rawStatus,
		Amount:        nullAmount(p.id, data, "amount"),
		Currency:      data.str("currency"),
		FailureReason: data.str("gateway_response"),
		OccurredAt:    data.time("paid_at", "paidAt"),
	}
	return d, requireReference(d)
}

// VerifySignature checks x-paystack-signature against the secret key.
func (p *Paystack) VerifySignature(h http.Header, body []byte) error {
	got, err := hex.DecodeString(h.Get("x-paystack-signature"))
	if err != nil || len(got) == 0 {
		return payerr.New(payerr.KindForbidden, "missing or malformed signature")
	}
	mac := hmac.New(sha512.New, []byte(p.cfg.SecretKey))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return payerr.New(payerr.KindForbidden, "signature mismatch")
	}
	return nil
}

func (p *Paystack) ListTransactions(ctx context.Context, w Window) iter.Seq2[Record, error] {
	return p.paginate(ctx, func(ctx context.Context, page int) ([]Record, bool, error) {
		var env struct {
			Data []payload `json:"data"`
			Meta payload   `json:"meta"`
		}
		_, err := p.do(ctx, "list", call{
			method:  http.MethodGet,
			path:    "/transaction",
			headers: p.bearer(),
			query: map[string]string{
				"from":    w.Start.UTC().Format(time.RFC3339),
				"to":      w.End.UTC().Format(time.RFC3339),
				"perPage": strconv.Itoa(p.cfg.PageSize),
				"page":    strconv.Itoa(page),
			},
			out: &env,
		})
		if err != nil {
			return nil, false, err
		}
		records := make([]Record, 0, len(env.Data))
		for _, item := range env.Data {
			amount, _ := item.decimal("amount")
			raw := item.str("status")
			rec := Record{
				Reference:     item.str("reference"),
				CorrelationID: item.str("metadata.correlation_id"),
				Status:        paystackStatuses.normalize(raw),
				RawStatus:     raw,
				Amount:        FromWire(p.id, amount),
				Currency:      item.str("currency"),
				Customer:      item.str("customer.email"),
			}
			if t := item.time("created_at", "createdAt"); t != nil {
				rec.CreatedAt = *t
			}
			records = append(records, rec)
		}
		pageCount, _ := env.Meta.decimal("pageCount")
		return records, int64(page) < pageCount.IntPart(), nil
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
