package aquiles

import (
	"time"

	document "github.com/IpsoVeritas/document"
	uuid "github.com/satori/go.uuid"
)

const SchemaLocation = document.SchemaBase + "/aquiles/v0"

const (
	TypeConnectRequest      = SchemaLocation + "/connect-request.json"
	TypeConnectResponse     = SchemaLocation + "/connect-response.json"
	TypePing                = SchemaLocation + "/ping.json"
	TypeSuspend             = SchemaLocation + "/suspend.json"
	TypeDisconnect          = SchemaLocation + "/disconnect.json"
	TypeDataSourcesRequest  = SchemaLocation + "/data-sources-request.json"
	TypeDataSourcesResponse = SchemaLocation + "/data-sources-response.json"
	TypeSensorRequest       = SchemaLocation + "/sensor-request.json"
	TypeSensorRemoveRequest = SchemaLocation + "/sensor-remove-request.json"
	TypeSensorResponse      = SchemaLocation + "/sensor-response.json"
	TypeDataPoint           = SchemaLocation + "/data-point.json"
	TypeHistoryRequest      = SchemaLocation + "/history-request.json"
	TypeHistoryResponse     = SchemaLocation + "/history-response.json"
)

func newBase(id, docType string) document.Base {
	if id == "" {
		id = uuid.NewV4().String()
	}
	return document.Base{
		ID:        id,
		Type:      docType,
		Timestamp: time.Now().UTC(),
	}
}

// Envelope decodes only the base of a document, to correlate responses.
type Envelope struct {
	document.Base
}

type ConnectRequest struct {
	document.Base
	Capabilities []Capability `json:"capabilities"`
	MandateToken string       `json:"mandateToken,omitempty"`
}

func NewConnectRequest(capabilities []Capability) *ConnectRequest {
	return &ConnectRequest{
		Base:         newBase("", TypeConnectRequest),
		Capabilities: capabilities,
	}
}

type ConnectResponse struct {
	document.Base
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionID,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewConnectResponse(id string, ok bool) *ConnectResponse {
	return &ConnectResponse{
		Base: newBase(id, TypeConnectResponse),
		OK:   ok,
	}
}

type Ping struct {
	document.Base
}

func NewPing() *Ping {
	return &Ping{
		Base: newBase("", TypePing),
	}
}

// Suspend is sent by the service right before it drops a session.
type Suspend struct {
	document.Base
	Cause SuspendCause `json:"cause"`
}

func NewSuspend(cause SuspendCause) *Suspend {
	return &Suspend{
		Base:  newBase("", TypeSuspend),
		Cause: cause,
	}
}

type Disconnect struct {
	document.Base
}

func NewDisconnect() *Disconnect {
	return &Disconnect{
		Base: newBase("", TypeDisconnect),
	}
}

type DataSourcesRequest struct {
	document.Base
	Query DataSourceQuery `json:"query"`
}

func NewDataSourcesRequest(query DataSourceQuery) *DataSourcesRequest {
	return &DataSourcesRequest{
		Base:  newBase("", TypeDataSourcesRequest),
		Query: query,
	}
}

type DataSourcesResponse struct {
	document.Base
	Sources []DataSource `json:"sources"`
	Error   string       `json:"error,omitempty"`
}

func NewDataSourcesResponse(id string) *DataSourcesResponse {
	return &DataSourcesResponse{
		Base:    newBase(id, TypeDataSourcesResponse),
		Sources: []DataSource{},
	}
}

type SensorRequest struct {
	document.Base
	Registration SensorRegistration `json:"registration"`
}

func NewSensorRequest(registration SensorRegistration) *SensorRequest {
	return &SensorRequest{
		Base:         newBase("", TypeSensorRequest),
		Registration: registration,
	}
}

type SensorRemoveRequest struct {
	document.Base
	ListenerID string `json:"listenerID"`
}

func NewSensorRemoveRequest(listenerID string) *SensorRemoveRequest {
	return &SensorRemoveRequest{
		Base:       newBase("", TypeSensorRemoveRequest),
		ListenerID: listenerID,
	}
}

type SensorResponse struct {
	document.Base
	OK         bool   `json:"ok"`
	ListenerID string `json:"listenerID,omitempty"`
	Error      string `json:"error,omitempty"`
}

func NewSensorResponse(id string, ok bool) *SensorResponse {
	return &SensorResponse{
		Base: newBase(id, TypeSensorResponse),
		OK:   ok,
	}
}

type DataPointMessage struct {
	document.Base
	ListenerID string    `json:"listenerID"`
	Point      DataPoint `json:"point"`
}

func NewDataPointMessage(listenerID string, point DataPoint) *DataPointMessage {
	return &DataPointMessage{
		Base:       newBase("", TypeDataPoint),
		ListenerID: listenerID,
		Point:      point,
	}
}

type HistoryRequest struct {
	document.Base
	Query HistoryQuery `json:"query"`
}

func NewHistoryRequest(query HistoryQuery) *HistoryRequest {
	return &HistoryRequest{
		Base:  newBase("", TypeHistoryRequest),
		Query: query,
	}
}

type HistoryResponse struct {
	document.Base
	Points []DataPoint `json:"points"`
	Error  string      `json:"error,omitempty"`
}

func NewHistoryResponse(id string) *HistoryResponse {
	return &HistoryResponse{
		Base:   newBase(id, TypeHistoryResponse),
		Points: []DataPoint{},
	}
}
