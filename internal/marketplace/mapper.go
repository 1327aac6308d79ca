package marketplace

import (
	"strings"
	"time"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toCompetitorAd(it searchItem) model.CompetitorAd {
	return model.CompetitorAd{
		AdID:            it.Adv.AdvNo,
		AdvertiserID:    it.Advertiser.UserNo,
		Nickname:        strings.TrimSpace(it.Advertiser.NickName),
		Price:           it.Adv.Price,
		Available:       it.Adv.TradableQuantity,
		Tier:            it.Advertiser.UserGrade,
		MonthOrderCount: it.Advertiser.MonthOrderCount,
		MonthFinishRate: it.Advertiser.MonthFinishRate,
		Online:          it.Advertiser.IsOnline,
	}
}

func toAd(d adDetail) (model.Ad, bool) {
	side, err := model.ParseSide(d.TradeType)
	if err != nil {
		return model.Ad{}, false
	}
	return model.Ad{
		ID:        d.AdvNo,
		Asset:     strings.ToUpper(d.Asset),
		Fiat:      strings.ToUpper(d.FiatUnit),
		Side:      side,
		Price:     d.Price,
		Available: d.SurplusAmount,
		Active:    d.AdvStatus == 1,
		UpdatedAt: msToTime(d.UpdateTime),
	}, true
}

func toOrder(d orderDetail) model.Order {
	side, _ := model.ParseSide(d.TradeType)
	return model.Order{
		OrderNumber:          d.OrderNumber,
		AdID:                 d.AdvNo,
		Side:                 side,
		Asset:                strings.ToUpper(d.Asset),
		Fiat:                 strings.ToUpper(d.Fiat),
		Amount:               d.TotalPrice,
		Quantity:             d.Amount,
		CounterpartyID:       d.CounterPartUserNo,
		CounterpartyNickname: d.CounterPartNickName,
		CounterpartyName:     d.CounterPartRealName,
		Status:               model.NormalizeOrderStatus(d.OrderStatus),
		CreatedAt:            msToTime(d.CreateTime),
		UpdatedAt:            msToTime(d.UpdateTime),
	}
}

func toStats(s counterpartyStats) model.CounterpartyStats {
	return model.CounterpartyStats{
		CounterpartyID: s.UserNo,
		TotalOrders:    s.CompletedOrderNum,
		Orders30d:      s.CompletedOrderNum30d,
		AccountAgeDays: s.RegisterDays,
		PositiveRate:   s.PositiveRate,
	}
}

func toChatMessage(orderNo string, m chatMessage) model.ChatMessage {
	return model.ChatMessage{
		ID:        m.ID,
		OrderNo:   orderNo,
		Type:      strings.ToLower(m.Type),
		Content:   m.Content,
		ImageURL:  m.ImageURL,
		Self:      m.Self,
		CreatedAt: msToTime(m.CreateTime),
	}
}
