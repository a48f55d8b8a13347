package credential

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/lvdashuaibi/gatekeeper/internal/model"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec("test-secret")
	if err != nil {
		t.Fatalf("创建编解码器失败: %v", err)
	}
	return codec
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	facts := &model.TicketFacts{
		BookingID: "bk-1001",
		EventID:   "evt-1",
		TicketID:  "tk-5001",
	}

	payload, err := codec.Encode(facts)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	decoded, err := codec.Decode(payload, 30*time.Minute)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}

	if decoded.BookingID != facts.BookingID || decoded.EventID != facts.EventID || decoded.TicketID != facts.TicketID {
		t.Fatalf("解码结果与原始信息不一致: %+v", decoded)
	}
	if decoded.Nonce == "" {
		t.Fatal("解码结果缺少Nonce")
	}
	if decoded.IssuedAt.IsZero() {
		t.Fatal("解码结果缺少签发时间")
	}
}

func TestDecodeExpired(t *testing.T) {
	codec := newTestCodec(t)

	facts := &model.TicketFacts{
		BookingID: "bk-1001",
		EventID:   "evt-1",
		TicketID:  "tk-5001",
		IssuedAt:  time.Now().Add(-time.Hour),
	}

	payload, err := codec.Encode(facts)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	if _, err := codec.Decode(payload, 30*time.Minute); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("过期凭证应返回ErrInvalidCredential，实际: %v", err)
	}
}

func TestDecodeTampered(t *testing.T) {
	codec := newTestCodec(t)

	payload, err := codec.Encode(&model.TicketFacts{
		BookingID: "bk-1001",
		EventID:   "evt-1",
		TicketID:  "tk-5001",
	})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("解码base64失败: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	tampered := base64.URLEncoding.EncodeToString(raw)

	if _, err := codec.Decode(tampered, 30*time.Minute); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("篡改凭证应返回ErrInvalidCredential，实际: %v", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	codec := newTestCodec(t)

	for _, payload := range []string{"", "not-base64!!!", "YWJjZA=="} {
		if _, err := codec.Decode(payload, 30*time.Minute); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("非法载荷 %q 应返回ErrInvalidCredential，实际: %v", payload, err)
		}
	}
}

func TestDecodeLegacyCamelCase(t *testing.T) {
	codec := newTestCodec(t)

	facts, err := codec.DecodeLegacy(`{"bookingId":"bk-1","eventId":"evt-1","ticketId":"tk-1"}`)
	if err != nil {
		t.Fatalf("解码旧版载荷失败: %v", err)
	}
	if facts.BookingID != "bk-1" || facts.EventID != "evt-1" || facts.TicketID != "tk-1" {
		t.Fatalf("旧版载荷解析结果错误: %+v", facts)
	}
}

func TestDecodeLegacySnakeCase(t *testing.T) {
	codec := newTestCodec(t)

	facts, err := codec.DecodeLegacy(`{"booking_id":"bk-2","event_id":"evt-2","ticket_number":"7"}`)
	if err != nil {
		t.Fatalf("解码旧版载荷失败: %v", err)
	}
	if facts.BookingID != "bk-2" || facts.EventID != "evt-2" || facts.TicketID != "7" {
		t.Fatalf("旧版载荷解析结果错误: %+v", facts)
	}
}

func TestDecodeLegacyIncomplete(t *testing.T) {
	codec := newTestCodec(t)

	if _, err := codec.DecodeLegacy(`{"bookingId":"bk-1","eventId":"evt-1"}`); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("缺少票号的旧版载荷应返回ErrInvalidCredential，实际: %v", err)
	}
}

func TestDecodeAnyFallsBackToLegacy(t *testing.T) {
	codec := newTestCodec(t)

	facts, err := codec.DecodeAny(`{"bookingId":"bk-1","eventId":"evt-1","ticketId":"tk-1"}`, 30*time.Minute)
	if err != nil {
		t.Fatalf("DecodeAny应回退旧版格式: %v", err)
	}
	if facts.TicketID != "tk-1" {
		t.Fatalf("回退解析结果错误: %+v", facts)
	}
}
