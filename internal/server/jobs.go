package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/skypro1111/callstream-service/internal/job"
)

// parseOperations accepts a JSON array, a comma separated list or repeated
// form values
func parseOperations(values []string) ([]job.Operation, error) {
	var names []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "[") {
			var list []string
			if err := json.Unmarshal([]byte(v), &list); err != nil {
				return nil, fmt.Errorf("operations: %w", err)
			}
			names = append(names, list...)
			continue
		}
		names = append(names, strings.Split(v, ",")...)
	}

	ops := make([]job.Operation, 0, len(names))
	seen := make(map[job.Operation]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		op, err := job.ParseOperation(name)
		if err != nil {
			return nil, err
		}
		if !seen[op] {
			seen[op] = true
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return nil, errors.New("at least one operation is required")
	}
	return ops, nil
}

func (s *Server) handleSubmitJob(c *gin.Context) {
	if s.uploads != nil && !s.uploads.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "too many job submissions"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.Jobs.MaxUploadBytes)

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "audio file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "audio file is required"})
		return
	}

	ops, err := parseOperations(c.PostFormArray("operations"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	opts := job.Options{
		Language: c.PostForm("language"),
		CallID:   c.PostForm("callId"),
	}
	if v := c.PostForm("samplingRate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "samplingRate must be a positive integer"})
			return
		}
		opts.SampleRate = rate
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable audio file"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable audio file"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "audio file is empty"})
		return
	}

	rec, err := s.deps.Jobs.Submit(c.Request.Context(), ops, data, opts)
	if err != nil {
		s.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "job could not be accepted"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":  rec.JobID,
		"status": rec.Status,
	})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	rec, err := s.deps.Jobs.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "job not found"})
			return
		}
		s.logger.Error("Failed to load job status",
			slog.String("job_id", c.Param("id")),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "job status unavailable"})
		return
	}

	c.JSON(http.StatusOK, rec)
}
