package bitget

import (
	"encoding/json"
	"time"
)

const (
	BaseURL = "https://api.bitget.com"
	WSURL   = "wss://ws.bitget.com/v2/ws/public"

	successCode  = "00000"
	pingInterval = 25 * time.Second
	readTimeout  = 35 * time.Second
)

// WebSocket

type wsRequest struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type wsArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstId   string `json:"instId"`
}

// bookMessage is a push on the books channels.
// Action is "snapshot" for a full book and "update" for an increment.
type bookMessage struct {
	Event  string      `json:"event"` // subscribe, unsubscribe, error
	Code   json.Number `json:"code"`
	Msg    string      `json:"msg"`
	Action string      `json:"action"`
	Arg    wsArg       `json:"arg"`
	Data   []bookData  `json:"data"`
}

type bookData struct {
	Asks     [][]string `json:"asks"` // [price, size]
	Bids     [][]string `json:"bids"`
	Checksum int64      `json:"checksum"`
	Seq      int64      `json:"seq"`
	Pseq     int64      `json:"pseq"` // seq of the previous push, 0 if not sent
	Ts       string     `json:"ts"`
}

// REST

type apiResponse struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

type accountData struct {
	MarginCoin    string `json:"marginCoin"`
	Available     string `json:"available"`
	AccountEquity string `json:"accountEquity"`
	UnrealizedPL  string `json:"unrealizedPL"`
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPr    string `json:"lastPr"`
	MarkPrice string `json:"markPrice"`
}

type positionData struct {
	Symbol           string `json:"symbol"`
	MarginCoin       string `json:"marginCoin"`
	HoldSide         string `json:"holdSide"` // long, short
	Total            string `json:"total"`
	OpenPriceAvg     string `json:"openPriceAvg"`
	MarkPrice        string `json:"markPrice"`
	Leverage         string `json:"leverage"`
	MarginMode       string `json:"marginMode"` // isolated, crossed
	UnrealizedPL     string `json:"unrealizedPL"`
	LiquidationPrice string `json:"liquidationPrice"`
	CTime            string `json:"cTime"`
	UTime            string `json:"uTime"`
}

type placeOrderRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginMode  string `json:"marginMode"`
	MarginCoin  string `json:"marginCoin"`
	Size        string `json:"size"`
	Side        string `json:"side"`      // buy, sell
	OrderType   string `json:"orderType"` // market
	ClientOid   string `json:"clientOid"`
	StopLoss    string `json:"presetStopLossPrice,omitempty"`
	TakeProfit  string `json:"presetStopSurplusPrice,omitempty"`
}

type orderData struct {
	OrderId   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

type setLeverageRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginCoin  string `json:"marginCoin"`
	Leverage    string `json:"leverage"`
}

type closePositionsRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
}

type closePositionsData struct {
	SuccessList []orderData `json:"successList"`
	FailureList []struct {
		OrderId   string `json:"orderId"`
		ErrorMsg  string `json:"errorMsg"`
		ErrorCode string `json:"errorCode"`
	} `json:"failureList"`
}
