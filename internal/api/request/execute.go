package request

import "time"

// Execute is the body of the proxy's POST /execute. Role carries the SQL
// tier the caller claims; the proxy classifies the query itself regardless.
type Execute struct {
	Host      string     `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port      int        `json:"port" validate:"omitempty,min=1,max=65535"`
	Username  string     `json:"username" validate:"required,max=63"`
	Password  string     `json:"password" validate:"required_unless=IAMAuth true"`
	Database  string     `json:"database" validate:"required,dbname"`
	Query     string     `json:"query" validate:"required"`
	Role      string     `json:"role" validate:"omitempty,tier"`
	UserEmail string     `json:"user_email" validate:"required,identity"`
	RequestID string     `json:"request_id" validate:"required"`
	Engine    string     `json:"engine" validate:"omitempty,oneof=mysql postgres"`
	ExpiresAt *time.Time `json:"expires_at"`
	IAMAuth   bool       `json:"iam_auth"`
	Region    string     `json:"region" validate:"required_if=IAMAuth true"`
}
