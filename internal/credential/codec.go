package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/gatekeeper/internal/model"
)

// ErrInvalidCredential 凭证无效（损坏、认证失败或已过期）
var ErrInvalidCredential = errors.New("凭证无效")

// Codec 票务凭证编解码器
// 对凭证载荷做认证加密，校验不依赖持久层
type Codec struct {
	key []byte
}

// NewCodec 创建凭证编解码器，密钥经SHA-256派生为AES-256密钥
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("凭证密钥不能为空")
	}
	key := sha256.Sum256([]byte(secret))
	return &Codec{key: key[:]}, nil
}

// Encode 编码票务凭证，附带签发时间和随机Nonce防止载荷重放
func (c *Codec) Encode(facts *model.TicketFacts) (string, error) {
	if facts.BookingID == "" || facts.EventID == "" || facts.TicketID == "" {
		return "", fmt.Errorf("票务信息不完整")
	}

	out := *facts
	if out.IssuedAt.IsZero() {
		out.IssuedAt = time.Now()
	}
	if out.Nonce == "" {
		nonce := make([]byte, 8)
		if _, err := rand.Read(nonce); err != nil {
			return "", fmt.Errorf("生成凭证Nonce失败: %w", err)
		}
		out.Nonce = hex.EncodeToString(nonce)
	}

	plaintext, err := json.Marshal(&out)
	if err != nil {
		return "", fmt.Errorf("序列化凭证失败: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("创建加密器失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("创建GCM失败: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("生成加密IV失败: %w", err)
	}

	// 密文布局: IV || GCM密文（含认证标签）
	sealed := gcm.Seal(iv, iv, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decode 解码并校验加密凭证
// 解密、认证标签校验、时效校验一步完成，任何失败均返回ErrInvalidCredential
func (c *Codec) Decode(payload string, maxAge time.Duration) (*model.TicketFacts, error) {
	sealed, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: 载荷不是合法的base64", ErrInvalidCredential)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("创建加密器失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("创建GCM失败: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: 载荷长度不足", ErrInvalidCredential)
	}

	iv, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: 认证失败", ErrInvalidCredential)
	}

	var facts model.TicketFacts
	if err := json.Unmarshal(plaintext, &facts); err != nil {
		return nil, fmt.Errorf("%w: 凭证内容损坏", ErrInvalidCredential)
	}

	if facts.BookingID == "" || facts.EventID == "" || facts.TicketID == "" {
		return nil, fmt.Errorf("%w: 票务信息不完整", ErrInvalidCredential)
	}

	if maxAge > 0 && time.Since(facts.IssuedAt) > maxAge {
		return nil, fmt.Errorf("%w: 凭证已过期", ErrInvalidCredential)
	}

	return &facts, nil
}

// legacyPayload 旧版明文二维码，兼容两套字段命名
type legacyPayload struct {
	BookingID    string `json:"bookingId"`
	BookingIDAlt string `json:"booking_id"`
	EventID      string `json:"eventId"`
	EventIDAlt   string `json:"event_id"`
	TicketID     string `json:"ticketId"`
	TicketNumber string `json:"ticket_number"`
}

// DecodeLegacy 解码旧版未加密二维码
// 只做结构完整性校验: 必须能解析出订单、活动、票号三个标识
func (c *Codec) DecodeLegacy(raw string) (*model.TicketFacts, error) {
	var legacy legacyPayload
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return nil, fmt.Errorf("%w: 不是合法的JSON载荷", ErrInvalidCredential)
	}

	facts := &model.TicketFacts{
		BookingID: firstNonEmpty(legacy.BookingID, legacy.BookingIDAlt),
		EventID:   firstNonEmpty(legacy.EventID, legacy.EventIDAlt),
		TicketID:  firstNonEmpty(legacy.TicketID, legacy.TicketNumber),
	}

	if facts.BookingID == "" || facts.EventID == "" || facts.TicketID == "" {
		return nil, fmt.Errorf("%w: 旧版载荷缺少必要字段", ErrInvalidCredential)
	}

	return facts, nil
}

// DecodeAny 先按加密凭证解码，失败后回退旧版明文格式
func (c *Codec) DecodeAny(payload string, maxAge time.Duration) (*model.TicketFacts, error) {
	facts, err := c.Decode(payload, maxAge)
	if err == nil {
		return facts, nil
	}
	if !errors.Is(err, ErrInvalidCredential) {
		return nil, err
	}
	return c.DecodeLegacy(payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
