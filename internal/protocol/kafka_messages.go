package protocol

import (
	"encoding/json"
	"strconv"
	"time"
)

// QueuedReading is the Kafka record the gateway writes to the readings topic.
type QueuedReading struct {
	ConnectionID string         `json:"connection_id"`
	SensorID     int64          `json:"sensor_id"`
	ReceivedAt   time.Time      `json:"received_at"`
	Payload      ReadingPayload `json:"payload"`
}

// Key partitions readings by sensor so one sensor's readings stay ordered.
func (q *QueuedReading) Key() string {
	return strconv.FormatInt(q.SensorID, 10)
}

// AlertNotification is the message format for the alerts topic.
type AlertNotification struct {
	EventID   int64     `json:"event_id"`
	SensorID  int64     `json:"sensor_id"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	ATotal    float64   `json:"a_total"`
	DespUM    *float64  `json:"desp_um,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RaisedAt  time.Time `json:"raised_at"`
}

func (a *AlertNotification) Key() string {
	return strconv.FormatInt(a.SensorID, 10)
}

func EncodeQueuedReading(msg *QueuedReading) ([]byte, error) {
	return json.Marshal(msg)
}

func DecodeQueuedReading(data []byte) (*QueuedReading, error) {
	var msg QueuedReading
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func EncodeAlertNotification(alert *AlertNotification) ([]byte, error) {
	return json.Marshal(alert)
}

func DecodeAlertNotification(data []byte) (*AlertNotification, error) {
	var alert AlertNotification
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}
