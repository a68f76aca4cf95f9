package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admin-auth-service/internal/encryption"
	"admin-auth-service/internal/util"
)

// OTPMessage is what a delivery channel hands to the admin.
type OTPMessage struct {
	RequestID string
	SessionID string
	Recipient string
	Code      string
	ExpiresAt time.Time
}

// OTPDelivery sends a code out of band. It is the only place a clear code leaves the process.
type OTPDelivery interface {
	Channel() string
	Deliver(ctx context.Context, msg OTPMessage) error
}

// LogDelivery writes the code to the log. Configuration refuses it in production.
type LogDelivery struct{}

func (LogDelivery) Channel() string { return "log" }

func (LogDelivery) Deliver(_ context.Context, msg OTPMessage) error {
	util.Warn("admin OTP issued (log delivery, development only)",
		zap.String("session_id", msg.SessionID),
		zap.String("code", msg.Code),
		zap.Time("expires_at", msg.ExpiresAt))
	return nil
}

// FieldEncrypter seals a value for a given purpose.
type FieldEncrypter interface {
	EncryptField(ctx context.Context, plaintext, purpose string) (*encryption.EncryptedData, error)
}

type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// otpDeliveryRecord is the Kafka payload consumed by the notification service.
type otpDeliveryRecord struct {
	RequestID     string                    `json:"request_id"`
	SessionID     string                    `json:"session_id"`
	Recipient     string                    `json:"recipient"`
	Channel       string                    `json:"channel"`
	EncryptedCode *encryption.EncryptedData `json:"encrypted_code"`
	ExpiresAt     time.Time                 `json:"expires_at"`
}

// otpPurpose binds the encrypted code to its use.
const otpPurpose = "admin_otp_delivery"

// KafkaDelivery publishes an encrypted OTP for a notification service to deliver.
type KafkaDelivery struct {
	producer  MessageProducer
	encrypter FieldEncrypter
	topic     string
}

func NewKafkaDelivery(producer MessageProducer, encrypter FieldEncrypter, topic string) *KafkaDelivery {
	return &KafkaDelivery{producer: producer, encrypter: encrypter, topic: topic}
}

func (d *KafkaDelivery) Channel() string { return "kafka" }

func (d *KafkaDelivery) Deliver(ctx context.Context, msg OTPMessage) error {
	sealed, err := d.encrypter.EncryptField(ctx, msg.Code, otpPurpose)
	if err != nil {
		return fmt.Errorf("failed to encrypt otp: %w", err)
	}

	payload, err := json.Marshal(otpDeliveryRecord{
		RequestID:     msg.RequestID,
		SessionID:     msg.SessionID,
		Recipient:     msg.Recipient,
		Channel:       "notification",
		EncryptedCode: sealed,
		ExpiresAt:     msg.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode otp delivery: %w", err)
	}

	headers := map[string]string{"request_id": msg.RequestID, "purpose": otpPurpose}
	if err := d.producer.ProduceMessage(ctx, d.topic, []byte(msg.SessionID), payload, headers); err != nil {
		return fmt.Errorf("failed to publish otp delivery: %w", err)
	}
	return nil
}
