package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/aggregation"
	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/query"
	"github.com/smukkama/implant-monitor/internal/report"
	"github.com/smukkama/implant-monitor/internal/telemetry"
)

const maxBodyBytes = 64 << 10

type measurementResponse struct {
	Data       telemetry.Reading `json:"data"`
	Event      *telemetry.Event  `json:"event,omitempty"`
	EventError string            `json:"event_error,omitempty"`
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) postMeasurement(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	payload, err := protocol.DecodeReadingPayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.ingester.Ingest(c.Request.Context(), *payload)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := measurementResponse{Data: result.Reading, Event: result.Event}
	if result.EventErr != nil {
		resp.EventError = result.EventErr.Error()
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) getMeasurements(c *gin.Context) {
	var q query.ReadingQuery
	var err error

	if q.SensorID, err = optionalID(c, "sensor_id"); err != nil {
		s.fail(c, err)
		return
	}
	if q.PatientID, err = optionalID(c, "patient_id"); err != nil {
		s.fail(c, err)
		return
	}

	views, err := s.queries.Readings(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	if views == nil {
		views = []telemetry.ReadingView{}
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

func (s *Server) getPatients(c *gin.Context) {
	patients, err := s.queries.Patients(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": patients})
}

func (s *Server) getPatientStatus(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	status, err := s.queries.PatientStatus(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patient_id": id, "status": status})
}

func (s *Server) getPatientSeries(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	m, ok := telemetry.ParseMeasurementType(c.DefaultQuery("type", string(telemetry.Acceleration)))
	if !ok {
		s.fail(c, telemetry.InvalidInput("unknown measurement type %q", c.Query("type")))
		return
	}
	r, err := aggregation.ParseRange(c.DefaultQuery("range", string(aggregation.RangeToday)))
	if err != nil {
		s.fail(c, telemetry.InvalidInput("%v", err))
		return
	}

	series, err := s.queries.Series(c.Request.Context(), query.SeriesQuery{
		PatientID:  id,
		Type:       m,
		Range:      r,
		Prosthesis: c.Query("prosthesis"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": series})
}

func (s *Server) getPatientExport(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	r, err := aggregation.ParseRange(c.DefaultQuery("range", string(aggregation.RangeLast30Days)))
	if err != nil {
		s.fail(c, telemetry.InvalidInput("%v", err))
		return
	}
	prosthesis := c.Query("prosthesis")

	ctx := c.Request.Context()
	patient, err := s.queries.Patient(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	readings, err := s.queries.PatientReadings(ctx, id, prosthesis)
	if err != nil {
		s.fail(c, err)
		return
	}

	now := s.now()
	export := report.Export{
		Patient:     *patient,
		Prosthesis:  prosthesis,
		Range:       r,
		GeneratedAt: now,
	}
	window, _ := aggregation.WindowFor(r, now)
	for _, rd := range readings {
		if window.Contains(rd.Timestamp.In(now.Location())) {
			export.Readings = append(export.Readings, rd)
		}
	}
	for _, m := range []telemetry.MeasurementType{telemetry.Acceleration, telemetry.Micromovement} {
		series, err := aggregation.Aggregate(readings, m, r, now)
		if err != nil {
			s.fail(c, err)
			return
		}
		export.Series = append(export.Series, series)
	}

	data, err := report.Workbook(export)
	if err != nil {
		s.fail(c, err)
		return
	}

	filename := fmt.Sprintf("patient-%d-%s.xlsx", id, r)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

func (s *Server) getEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(c, telemetry.InvalidInput("limit must be a positive integer"))
			return
		}
		limit = n
	}

	events, err := s.queries.Events(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if events == nil {
		events = []telemetry.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

// fail maps telemetry error kinds to status codes. Storage details stay in the log.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, telemetry.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, query.ErrPatientNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, telemetry.ErrStorage):
		s.logger.Error("storage failure", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
	default:
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, telemetry.InvalidInput("invalid patient id %q", c.Param("id"))
	}
	return id, nil
}

func optionalID(c *gin.Context, name string) (*int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, telemetry.InvalidInput("%s must be an integer", name)
	}
	return &id, nil
}
