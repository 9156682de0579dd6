package providers

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
)

const MTNMoMoID = "mtn_momo"

var momoStatuses = statusTable{
	"successful": models.StatusCompleted,
	"failed":     models.StatusFailed,
	"rejected":   models.StatusFailed,
	"timeout":    models.StatusFailed,
	"pending":    models.StatusProcessing,
	"created":    models.StatusProcessing,
}

func init() {
	RegisterFactory(MTNMoMoID, NewMTNMoMo)
}

// MTNMoMo drives the collections request-to-pay flow. The request is
// keyed by X-Reference-Id, which we set to the correlation id, so the
// provider reference is known before the customer approves on the handset.
type MTNMoMo struct {
	*base
}

func NewMTNMoMo(cfg config.ProviderConfig, opts ...Option) (Adapter, error) {
	b, err := newBase(MTNMoMoID, KindMobileMoney, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &MTNMoMo{base: b}, nil
}

func (m *MTNMoMo) headers(referenceID string) map[string]string {
	h := map[string]string{
		"Authorization":             "Bearer " + m.cfg.SecretKey,
		"Ocp-Apim-Subscription-Key": m.cfg.PublicKey,
	}
	if referenceID != "" {
		h["X-Reference-Id"] = referenceID
	}
	if m.cfg.CallbackURL != "" {
		h["X-Callback-Url"] = m.cfg.CallbackURL
	}
	return h
}

// msisdn strips the leading plus of an E.164 number.
func msisdn(phone string) string {
	return strings.TrimPrefix(strings.TrimSpace(phone), "+")
}

func (m *MTNMoMo) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	if req.PhoneNumber == "" {
		return nil, payerr.InvalidRequest("mtn_momo requires a phone number")
	}
	body := map[string]any{
		"amount":       ToWire(m.id, req.Amount).StringFixed(2),
		"currency":     req.Currency,
		"externalId":   req.CorrelationID,
		"payer":        map[string]string{"partyIdType": "MSISDN", "partyId": msisdn(req.PhoneNumber)},
		"payerMessage": firstNonEmpty(req.Description, "Ride payment"),
		"payeeNote":    req.UserID,
	}
	// Request-to-pay answers 202 with an empty body.
	if _, err := m.do(ctx, "initiate", call{
		method:  http.MethodPost,
		path:    "/collection/v1_0/requesttopay",
		headers: m.headers(req.CorrelationID),
		body:    body,
	}); err != nil {
		return nil, err
	}
	return &InitiateResponse{
		ProviderReference: req.CorrelationID,
		Status:            models.StatusProcessing,
		RequiresAction:    true,
	}, nil
}

func (m *MTNMoMo) Verify(ctx context.Context, reference string) (*VerifyResponse, error) {
	var data payload
	if _, err := m.do(ctx, "verify", call{
		method:  http.MethodGet,
		path:    "/collection/v1_0/requesttopay/" + url.PathEscape(reference),
		headers: m.headers(""),
		out:     &data,
	}); err != nil {
		return nil, err
	}
	amount, _ := data.decimal("amount")
	raw := data.str("status")
	return &VerifyResponse{
		Reference:     reference,
		Status:        momoStatuses.normalize(raw),
		RawStatus:     raw,
		Amount:        FromWire(m.id, amount),
		Currency:      data.str("currency"),
		FailureReason: data.str("reason.message", "reason"),
	}, nil
}

// Refund goes through the disbursement refund endpoint. MoMo processes it
// asynchronously, so the result is always reported as processing.
func (m *MTNMoMo) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	refundID := uuid.NewString()
	body := map[string]any{
		"amount":              ToWire(m.id, req.Amount).StringFixed(2),
		"currency":            req.Currency,
		"externalId":          req.CorrelationID,
		"payerMessage":        firstNonEmpty(req.Reason, "Refund"),
		"payeeNote":           req.Reason,
		"referenceIdToRefund": req.Reference,
	}
	if _, err := m.do(ctx, "refund", call{
		method:  http.MethodPost,
		path:    "/disbursement/v1_0/refund",
		headers: m.headers(refundID),
		body:    body,
	}); err != nil {
		return nil, err
	}
	return &RefundResponse{RefundReference: refundID, Status: models.StatusProcessing}, nil
}

// RefundStatus reads a refund by the X-Reference-Id it was created with.
func (m *MTNMoMo) RefundStatus(ctx context.Context, refundReference string) (*RefundResponse, error) {
	var data payload
	if _, err := m.do(ctx, "refund_status", call{
		method:  http.MethodGet,
		path:    "/disbursement/v1_0/refund/" + url.PathEscape(refundReference),
		headers: m.headers(""),
		out:     &data,
	}); err != nil {
		return nil, err
	}
	status := momoStatuses.normalize(data.str("status"))
	if status == models.StatusUnknown {
		status = models.StatusProcessing
	}
	return &RefundResponse{RefundReference: refundReference, Status: status}, nil
}

// ParseCallback reads the request-to-pay result MoMo PUTs to the callback
// URL. It carries externalId (our correlation id) and, in newer API
// versions, referenceId.
func (m *MTNMoMo) ParseCallback(raw []byte) (*CallbackDelta, error) {
	body, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	rawStatus := body.str("status")
	d := &CallbackDelta{
		Reference:     body.str("referenceId"),
		CorrelationID: body.str("externalId"),
		Status:        momoStatuses.normalize(rawStatus),
		RawStatus:     rawStatus,
		Amount:        nullAmount(m.id, body, "amount"),
		Currency:      body.str("currency"),
		FailureReason: body.str("reason.message", "reason"),
	}
	return d, requireReference(d)
}

func (m *MTNMoMo) ListTransactions(ctx context.Context, w Window) iter.Seq2[Record, error] {
	return m.paginate(ctx, func(ctx context.Context, page int) ([]Record, bool, error) {
		var env struct {
			Transactions []payload `json:"transactions"`
			HasMore      bool      `json:"hasMore"`
		}
		_, err := m.do(ctx, "list", call{
			method:  http.MethodGet,
			path:    "/collection/v1_0/transactions",
			headers: m.headers(""),
			query: map[string]string{
				"startDate": w.Start.UTC().Format(time.RFC3339),
				"endDate":   w.End.UTC().Format(time.RFC3339),
				"page":      strconv.Itoa(page),
				"size":      strconv.Itoa(m.cfg.PageSize),
			},
			out: &env,
		})
		if err != nil {
			return nil, false, err
		}
		records := make([]Record, 0, len(env.Transactions))
		for _, item := range env.Transactions {
			amount, _ := item.decimal("amount")
			raw := item.str("status")
			rec := Record{
				Reference:     item.str("referenceId", "externalId"),
				CorrelationID: item.str("externalId"),
				Status:        momoStatuses.normalize(raw),
				RawStatus:     raw,
				Amount:        FromWire(m.id, amount),
				Currency:      item.str("currency"),
				Customer:      item.str("payer.partyId"),
			}
			if t := item.time("createdAt", "created_at"); t != nil {
				rec.CreatedAt = *t
			}
			records = append(records, rec)
		}
		return records, env.HasMore, nil
	})
}
