package models

import "time"

// SellerAccount is the owning tenant for storefronts and unified records.
// Account management (signup, billing, user access) lives outside this service;
// the sync core only ever reads these rows.
type SellerAccount struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Active    bool      `gorm:"default:true;index" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Storefront is one marketplace presence of an account (one region/seller id).
// AuthSecretRef points at the credential record held by the credential store;
// the core never sees raw secrets, only opaque references and access tokens.
type Storefront struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AccountId     string    `gorm:"index;size:64;not null" json:"account_id"`
	Marketplace   string    `gorm:"size:50;not null" json:"marketplace"`
	Region        string    `gorm:"size:20" json:"region"`
	SellerId      string    `gorm:"size:100" json:"seller_id"`
	Name          string    `gorm:"size:255" json:"name"`
	AuthSecretRef string    `gorm:"type:text" json:"auth_secret_ref"`
	Active        bool      `gorm:"default:true;index" json:"active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
