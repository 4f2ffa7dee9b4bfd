package webhook

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

const (
	CryptoBotName  = "cryptobot"
	FreeKassaName  = "freekassa"
	RuKassaName    = "rukassa"
	CrystalPayName = "crystalpay"
)

func invalidSignature(gateway string) error {
	return fmt.Errorf("%s: %w", gateway, domain.ErrInvalidSignature)
}

func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// CryptoBot signs the raw body with HMAC-SHA256 keyed by sha256(token).
type CryptoBot struct {
	key []byte
}

func NewCryptoBot(token string) *CryptoBot {
	sum := sha256.Sum256([]byte(token))
	return &CryptoBot{key: sum[:]}
}

func (c *CryptoBot) Name() string { return CryptoBotName }

type cryptoBotUpdate struct {
	UpdateType string `json:"update_type"`
	Payload    struct {
		InvoiceID json.Number `json:"invoice_id"`
		Status    string      `json:"status"`
		Amount    string      `json:"amount"`
		Asset     string      `json:"asset"`
		Payload   string      `json:"payload"`
	} `json:"payload"`
}

func (c *CryptoBot) Verify(req *Request) (domain.PaymentEvent, error) {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(req.Body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(req.Header.Get("crypto-pay-api-signature"))) {
		return domain.PaymentEvent{}, invalidSignature(CryptoBotName)
	}

	var u cryptoBotUpdate
	if err := json.Unmarshal(req.Body, &u); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: cryptobot: %v", ErrMalformedPayload, err)
	}
	return domain.PaymentEvent{
		Gateway:          CryptoBotName,
		GatewayInvoiceID: u.Payload.InvoiceID.String(),
		OrderReference:   u.Payload.Payload,
		Paid:             u.UpdateType == "invoice_paid" && u.Payload.Status == "paid",
		Amount:           parseAmount(u.Payload.Amount),
		Currency:         strings.ToUpper(u.Payload.Asset),
		InvoiceSigned:    true,
		ReferenceSigned:  true,
	}, nil
}

func (c *CryptoBot) Ack() Response { return jsonOK() }

// FreeKassa posts a form signed with md5(MERCHANT_ID:AMOUNT:secret:MERCHANT_ORDER_ID).
type FreeKassa struct {
	secret string
}

func NewFreeKassa(secret string) *FreeKassa {
	return &FreeKassa{secret: secret}
}

func (f *FreeKassa) Name() string { return FreeKassaName }

func (f *FreeKassa) Verify(req *Request) (domain.PaymentEvent, error) {
	form := req.Form
	merchantID := form.Get("MERCHANT_ID")
	amount := form.Get("AMOUNT")
	orderID := form.Get("MERCHANT_ORDER_ID")

	sum := md5.Sum([]byte(strings.Join([]string{merchantID, amount, f.secret, orderID}, ":")))
	expected := hex.EncodeToString(sum[:])
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(form.Get("SIGN")))) {
		return domain.PaymentEvent{}, invalidSignature(FreeKassaName)
	}

	// FreeKassa only calls back for completed payments. intid sits outside
	// the signature, so only the merchant order id identifies the order.
	return domain.PaymentEvent{
		Gateway:          FreeKassaName,
		GatewayInvoiceID: form.Get("intid"),
		OrderReference:   orderID,
		Paid:             true,
		Amount:           parseAmount(amount),
		Currency:         strings.ToUpper(form.Get("CUR_ID")),
		ReferenceSigned:  true,
	}, nil
}

func (f *FreeKassa) Ack() Response { return plainText("YES") }

// RuKassa signs id|createdDateTime|amount with HMAC-SHA256 keyed by the shop token.
type RuKassa struct {
	token []byte
}

func NewRuKassa(token string) *RuKassa {
	return &RuKassa{token: []byte(token)}
}

func (r *RuKassa) Name() string { return RuKassaName }

func (r *RuKassa) Verify(req *Request) (domain.PaymentEvent, error) {
	form := req.Form
	id := form.Get("id")
	amount := form.Get("amount")

	mac := hmac.New(sha256.New, r.token)
	mac.Write([]byte(id + "|" + form.Get("createdDateTime") + "|" + amount))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(req.Header.Get("signature"))) {
		return domain.PaymentEvent{}, invalidSignature(RuKassaName)
	}

	return domain.PaymentEvent{
		Gateway:          RuKassaName,
		GatewayInvoiceID: id,
		OrderReference:   form.Get("order_id"),
		Paid:             strings.EqualFold(form.Get("status"), "PAID"),
		Amount:           parseAmount(amount),
		Currency:         strings.ToUpper(form.Get("currency")),
		InvoiceSigned:    true,
	}, nil
}

func (r *RuKassa) Ack() Response { return plainText("OK") }

// CrystalPay embeds sha1(id:salt) in the JSON body.
type CrystalPay struct {
	salt string
}

func NewCrystalPay(salt string) *CrystalPay {
	return &CrystalPay{salt: salt}
}

func (c *CrystalPay) Name() string { return CrystalPayName }

type crystalPayCallback struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
	State     string `json:"state"`
	Extra     string `json:"extra"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

func (c *CrystalPay) Verify(req *Request) (domain.PaymentEvent, error) {
	var cb crystalPayCallback
	if err := json.Unmarshal(req.Body, &cb); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: crystalpay: %v", ErrMalformedPayload, err)
	}

	sum := sha1.Sum([]byte(cb.ID + ":" + c.salt))
	expected := hex.EncodeToString(sum[:])
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(cb.Signature))) {
		return domain.PaymentEvent{}, invalidSignature(CrystalPayName)
	}

	return domain.PaymentEvent{
		Gateway:          CrystalPayName,
		GatewayInvoiceID: cb.ID,
		OrderReference:   cb.Extra,
		Paid:             cb.State == "payed",
		Amount:           parseAmount(cb.Amount),
		Currency:         strings.ToUpper(cb.Currency),
		InvoiceSigned:    true,
	}, nil
}

func (c *CrystalPay) Ack() Response { return jsonOK() }
