package payment

import (
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Session metadata keys. The products snapshot is split across
// MetaProducts_0, MetaProducts_1, ...
const (
	MetaUserID     = "userId"
	MetaCouponCode = "couponCode"
	MetaProducts   = "products"
)

// Gateway metadata limits.
const (
	MaxMetadataKeys     = 50
	MaxMetadataValueLen = 500
)

// ErrMetadataTooLarge is returned when a snapshot does not fit the gateway's
// metadata limits.
var ErrMetadataTooLarge = errors.New("session metadata too large")

func productsKey(i int) string {
	return MetaProducts + "_" + strconv.Itoa(i)
}

// SnapshotItem is one cart line as captured in session metadata.
type SnapshotItem struct {
	ProductID string
	Quantity  int
	Price     decimal.Decimal
}

// Metadata is the order reconstruction data carried by a checkout session.
type Metadata struct {
	UserID     string
	CouponCode string
	Items      []SnapshotItem
}

// EncodeMetadata flattens m into the string map stored on the session. The
// products snapshot is a JSON array of {"id","quantity","price"} objects cut
// into chunks of at most MaxMetadataValueLen bytes.
func EncodeMetadata(m Metadata) (map[string]string, error) {
	if len(m.UserID) > MaxMetadataValueLen || len(m.CouponCode) > MaxMetadataValueLen {
		return nil, errors.Wrap(ErrMetadataTooLarge, "user id or coupon code")
	}

	var e jx.Encoder
	e.Arr(func(e *jx.Encoder) {
		for _, it := range m.Items {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(it.ProductID) })
				e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
				e.Field("price", func(e *jx.Encoder) { e.Num(jx.Num(it.Price.String())) })
			})
		}
	})

	chunks := splitChunks(e.String(), MaxMetadataValueLen)
	if len(chunks) > MaxMetadataKeys-2 {
		return nil, errors.Wrapf(ErrMetadataTooLarge, "products snapshot needs %d keys", len(chunks))
	}

	out := make(map[string]string, len(chunks)+2)
	out[MetaUserID] = m.UserID
	out[MetaCouponCode] = m.CouponCode
	for i, c := range chunks {
		out[productsKey(i)] = c
	}
	return out, nil
}

// splitChunks cuts s into pieces of at most n bytes without splitting a rune.
func splitChunks(s string, n int) []string {
	var chunks []string
	for len(s) > n {
		end := n
		for end > 0 && !utf8.RuneStart(s[end]) {
			end--
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return append(chunks, s)
}

// DecodeMetadata parses session metadata produced by EncodeMetadata. A single
// unchunked MetaProducts value is accepted as well.
func DecodeMetadata(raw map[string]string) (Metadata, error) {
	m := Metadata{
		UserID:     raw[MetaUserID],
		CouponCode: raw[MetaCouponCode],
	}
	if m.UserID == "" {
		return Metadata{}, errors.New("missing user id")
	}

	products, ok := joinChunks(raw)
	if !ok {
		return Metadata{}, errors.New("missing products snapshot")
	}

	d := jx.DecodeStr(products)
	if d.Next() != jx.Array {
		return Metadata{}, errors.New("products snapshot is not an array")
	}
	if err := d.Arr(func(d *jx.Decoder) error {
		it, err := decodeSnapshotItem(d)
		if err != nil {
			return err
		}
		m.Items = append(m.Items, it)
		return nil
	}); err != nil {
		return Metadata{}, errors.Wrap(err, "decode products snapshot")
	}
	if err := d.Skip(); !errors.Is(err, io.EOF) {
		return Metadata{}, errors.New("trailing data after products snapshot")
	}

	return m, nil
}

func joinChunks(raw map[string]string) (string, bool) {
	first, ok := raw[productsKey(0)]
	if !ok {
		v, ok := raw[MetaProducts]
		return v, ok
	}
	var b strings.Builder
	b.WriteString(first)
	for i := 1; ; i++ {
		c, ok := raw[productsKey(i)]
		if !ok {
			return b.String(), true
		}
		b.WriteString(c)
	}
}

func decodeSnapshotItem(d *jx.Decoder) (SnapshotItem, error) {
	var it SnapshotItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "id")
			}
			it.ProductID = v
		case "quantity":
			v, err := d.Int()
			if err != nil {
				return errors.Wrap(err, "quantity")
			}
			it.Quantity = v
		case "price":
			n, err := d.Num()
			if err != nil {
				return errors.Wrap(err, "price")
			}
			v, err := decimal.NewFromString(n.String())
			if err != nil {
				return errors.Wrap(err, "price")
			}
			it.Price = v
		default:
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return SnapshotItem{}, err
	}
	if it.ProductID == "" {
		return SnapshotItem{}, errors.New("item without id")
	}
	if it.Quantity < 1 {
		return SnapshotItem{}, errors.Errorf("item %s: invalid quantity %d", it.ProductID, it.Quantity)
	}
	if it.Price.IsNegative() {
		return SnapshotItem{}, errors.Errorf("item %s: negative price %s", it.ProductID, it.Price)
	}
	return it, nil
}
