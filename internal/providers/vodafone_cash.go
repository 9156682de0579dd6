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

const VodafoneCashID = "vodafone_cash"

// Vodafone Cash reports outcomes as response codes rather than words.
var vodafoneStatuses = statusTable{
	"00":  models.StatusCompleted,
	"01":  models.StatusProcessing,
	"09":  models.StatusProcessing,
	"02":  models.StatusFailed,
	"03":  models.StatusFailed,
	"04":  models.StatusFailed,
	"05":  models.StatusFailed,
	"100": models.StatusFailed,
	"101": models.StatusFailed,
	"102": models.StatusFailed,
	"103": models.StatusFailed,
}

func init() {
	RegisterFactory(VodafoneCashID, NewVodafoneCash)
}

type VodafoneCash struct {
	*base
}

func NewVodafoneCash(cfg config.ProviderConfig, opts ...Option) (Adapter, error) {
	b, err := newBase(VodafoneCashID, KindMobileMoney, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &VodafoneCash{base: b}, nil
}

func (v *VodafoneCash) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + v.cfg.SecretKey, "X-Merchant-Id": v.cfg.PublicKey}
}

func (v *VodafoneCash) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	if req.PhoneNumber == "" {
		return nil, payerr.InvalidRequest("vodafone_cash requires a phone number")
	}
	var res payload
	_, err := v.do(ctx, "initiate", call{
		method:  http.MethodPost,
		path:    "/v1/payments/debit",
		headers: v.auth(),
		body: map[string]any{
			"amount":      ToWire(v.id, req.Amount).StringFixed(2),
			"currency":    req.Currency,
			"msisdn":      msisdn(req.PhoneNumber),
			"reference":   req.CorrelationID,
			"callbackUrl": v.cfg.CallbackURL,
			"narration":   firstNonEmpty(req.Description, "Ride payment"),
		},
		out: &res,
	})
	if err != nil {
		return nil, err
	}
	status := vodafoneStatuses.normalize(res.str("responseCode", "code"))
	if status == models.StatusFailed {
		return nil, payerr.Newf(payerr.KindInvalidRequest, "vodafone_cash declined the debit: %s", res.str("responseMessage", "message"))
	}
	if status == models.StatusUnknown {
		status = models.StatusProcessing
	}
	return &InitiateResponse{
		ProviderReference: firstNonEmpty(res.str("transactionId", "txnId"), req.CorrelationID),
		Status:            status,
		RequiresAction:    status == models.StatusProcessing,
	}, nil
}

func (v *VodafoneCash) Verify(ctx context.Context, reference string) (*VerifyResponse, error) {
	var res payload
	if _, err := v.do(ctx, "verify", call{
		method:  http.MethodGet,
		path:    "/v1/payments/" + url.PathEscape(reference),
		headers: v.auth(),
		out:     &res,
	}); err != nil {
		return nil, err
	}
	amount, _ := res.decimal("amount")
	raw := res.str("responseCode", "code")
	out := &VerifyResponse{
		Reference:   firstNonEmpty(res.str("transactionId", "txnId"), reference),
		Status:      vodafoneStatuses.normalize(raw),
		RawStatus:   raw,
		Amount:      FromWire(v.id, amount),
		Currency:    res.str("currency"),
		CompletedAt: res.time("completedAt"),
	}
	if out.Status == models.StatusFailed {
		out.FailureReason = res.str("responseMessage", "message")
	}
	return out, nil
}

func (v *VodafoneCash) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	var res payload
	_, err := v.do(ctx, "refund", call{
		method:  http.MethodPost,
		path:    "/v1/payments/" + url.PathEscape(req.Reference) + "/reversal",
		headers: v.auth(),
		body:    map[string]any{"amount": ToWire(v.id, req.Amount).StringFixed(2), "reason": req.Reason},
		out:     &res,
	})
	if err != nil {
		return nil, err
	}
	status := vodafoneStatuses.normalize(res.str("responseCode", "code"))
	if status == models.StatusUnknown {
		status = models.StatusProcessing
	}
	return &RefundResponse{RefundReference: res.str("reversalId", "transactionId"), Status: status}, nil
}

// ParseCallback accepts txnId, transactionId or data.id as the reference;
// the field was renamed across API revisions.
func (v *VodafoneCash) ParseCallback(raw []byte) (*CallbackDelta, error) {
	body, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	code := body.str("responseCode", "code", "data.responseCode")
	d := &CallbackDelta{
		Reference:     body.str("txnId", "transactionId", "data.id"),
		CorrelationID: body.str("reference", "data.reference"),
		Status:        vodafoneStatuses.normalize(code),
		RawStatus:     code,
		Amount:        nullAmount(v.id, body, "amount", "data.amount"),
		Currency:      body.str("currency", "data.currency"),
		OccurredAt:    body.time("completedAt", "timestamp"),
	}
	if d.Status == models.StatusFailed {
		d.FailureReason = body.str("responseMessage", "message")
	}
	return d, requireReference(d)
}

func (v *VodafoneCash) ListTransactions(ctx context.Context, w Window) iter.Seq2[Record, error] {
	return v.paginate(ctx, func(ctx context.Context, page int) ([]Record, bool, error) {
		var env struct {
			Items   []payload `json:"items"`
			HasMore bool      `json:"hasMore"`
		}
		_, err := v.do(ctx, "list", call{
			method:  http.MethodGet,
			path:    "/v1/payments",
			headers: v.auth(),
			query: map[string]string{
				"from":  w.Start.UTC().Format(time.RFC3339),
				"to":    w.End.UTC().Format(time.RFC3339),
				"page":  strconv.Itoa(page),
				"limit": strconv.Itoa(v.cfg.PageSize),
			},
			out: &env,
		})
		if err != nil {
			return nil, false, err
		}
		records := make([]Record, 0, len(env.Items))
		for _, item := range env.Items {
			amount, _ := item.decimal("amount")
			code := item.str("responseCode", "code")
			rec := Record{
				Reference:     item.str("transactionId", "txnId"),
				CorrelationID: item.str("reference"),
				Status:        vodafoneStatuses.normalize(code),
				RawStatus:     code,
				Amount:        FromWire(v.id, amount),
				Currency:      item.str("currency"),
				Customer:      item.str("msisdn"),
			}
			if t := item.time("createdAt", "timestamp"); t != nil {
				rec.CreatedAt = *t
			}
			records = append(records, rec)
		}
		return records, env.HasMore, nil
	})
}
