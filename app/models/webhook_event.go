package models

import "time"

// WebhookEvent stores gateway callback payloads with deduplication metadata
// for idempotent processing. The composite unique index on business type and
// gateway transaction id is the seen-set: the same notification delivered
// twice lands on the same row.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	BusinessType    string     `gorm:"type:varchar(50);not null;index:ux_webhook_events_type_txid,unique,priority:1;index" json:"business_type"`
	GatewayTxID     string     `gorm:"type:varchar(191);not null;default:'';index:ux_webhook_events_type_txid,unique,priority:2" json:"gateway_tx_id"`
	OrderRef        string     `gorm:"type:varchar(64);not null;default:'';index" json:"order_ref"`
	DeclaredStatus  string     `gorm:"type:varchar(20);not null;default:''" json:"declared_status"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
