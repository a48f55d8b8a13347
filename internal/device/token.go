package device

import (
	"crypto/hmac"
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

// ErrUnauthorized 设备令牌无效（损坏、签名不匹配或已过期）
var ErrUnauthorized = errors.New("设备令牌无效")

// TokenService 设备令牌服务
// 把物理扫码设备、操作员工和活动绑定为一个短期会话令牌
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("设备令牌密钥不能为空")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// Issue 签发设备令牌
func (s *TokenService) Issue(deviceID, staffID, eventID string) (string, error) {
	if deviceID == "" || staffID == "" || eventID == "" {
		return "", fmt.Errorf("设备、员工、活动标识均不能为空")
	}

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("生成令牌Nonce失败: %w", err)
	}

	claims := model.DeviceClaims{
		DeviceID: deviceID,
		StaffID:  staffID,
		EventID:  eventID,
		IssuedAt: time.Now(),
		Nonce:    hex.EncodeToString(nonce),
	}

	claims.Signature = s.sign(&claims)

	data, err := json.Marshal(&claims)
	if err != nil {
		return "", fmt.Errorf("序列化令牌失败: %w", err)
	}

	return base64.URLEncoding.EncodeToString(data), nil
}

// Verify 校验设备令牌
// 对除签名外的声明重新计算签名并比较，不匹配或超龄一律拒绝
func (s *TokenService) Verify(token string, maxAge time.Duration) (*model.DeviceClaims, error) {
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: 令牌不是合法的base64", ErrUnauthorized)
	}

	var claims model.DeviceClaims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("%w: 令牌内容损坏", ErrUnauthorized)
	}

	if claims.DeviceID == "" || claims.StaffID == "" || claims.EventID == "" {
		return nil, fmt.Errorf("%w: 令牌声明不完整", ErrUnauthorized)
	}

	expected := s.sign(&claims)
	if !hmac.Equal([]byte(expected), []byte(claims.Signature)) {
		return nil, fmt.Errorf("%w: 签名不匹配", ErrUnauthorized)
	}

	if maxAge > 0 && time.Since(claims.IssuedAt) > maxAge {
		return nil, fmt.Errorf("%w: 令牌已过期", ErrUnauthorized)
	}

	return &claims, nil
}

// sign 对声明计算HMAC-SHA256签名，签名字段本身不参与计算
func (s *TokenService) sign(claims *model.DeviceClaims) string {
	payload := fmt.Sprintf("%s|%s|%s|%d|%s",
		claims.DeviceID,
		claims.StaffID,
		claims.EventID,
		claims.IssuedAt.UnixNano(),
		claims.Nonce,
	)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
