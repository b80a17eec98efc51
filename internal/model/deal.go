package model

import "time"

// DealSuccess 成交记录的状态值
const DealSuccess = "DEAL_SUCCESS"

// Deal 谈判成功的结果
type Deal struct {
	CallID          string    `json:"call_id"`
	TripID          string    `json:"trip_id"`
	VendorName      string    `json:"vendor_name"`
	Phone           string    `json:"phone"`
	ServiceType     string    `json:"service_type"`
	NegotiatedPrice int64     `json:"negotiated_price"`
	Status          string    `json:"status"`
	Rounds          int       `json:"rounds"`
	ClosedAt        time.Time `json:"closed_at"`
}

// NewDeal 由会话当前报价生成成交记录
func NewDeal(s *CallSession, price int64, at time.Time) *Deal {
	return &Deal{
		CallID:          s.CallID,
		TripID:          s.Trip.TripID,
		VendorName:      s.Vendor.Name,
		Phone:           s.Vendor.Phone,
		ServiceType:     s.Vendor.Category,
		NegotiatedPrice: price,
		Status:          DealSuccess,
		Rounds:          s.Round,
		ClosedAt:        at,
	}
}
