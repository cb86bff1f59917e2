package proxy

import (
	"fmt"
	"net/url"
	"time"
)

// Proxy is a shared egress endpoint with a bounded number of assignable
// accounts. Invariant: assigned_count never exceeds max_capacity.
type Proxy struct {
	ID            string    `gorm:"column:id;primaryKey"`
	Host          string    `gorm:"column:host"`
	Port          int       `gorm:"column:port"`
	Username      string    `gorm:"column:username"`
	Password      string    `gorm:"column:password"`
	Protocol      string    `gorm:"column:protocol;type:varchar(10);default:'http'"`
	MaxCapacity   int       `gorm:"column:max_capacity;default:10"`
	AssignedCount int       `gorm:"column:assigned_count;default:0"`
	IsActive      bool      `gorm:"column:is_active;default:true;index"`
	LastCheckedAt time.Time `gorm:"column:last_checked_at"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (Proxy) TableName() string { return "proxies" }

// Remaining is the number of additional accounts the proxy can take.
func (p *Proxy) Remaining() int {
	r := p.MaxCapacity - p.AssignedCount
	if r < 0 {
		return 0
	}
	return r
}

// URL renders the proxy as a connection URL usable by an HTTP transport.
func (p *Proxy) URL() string {
	u := url.URL{
		Scheme: p.Protocol,
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}
