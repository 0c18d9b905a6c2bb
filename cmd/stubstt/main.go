// Command stubstt is a stand-in for the external transcription API. It
// accepts the same multipart requests the service sends and answers with a
// fixed transcript, optionally failing a share of requests so the circuit
// breakers can be exercised locally.
package main

import (
	"flag"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skypro1111/callstream-service/internal/audio"
	"github.com/skypro1111/callstream-service/internal/transcription"
)

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	failRate := flag.Float64("fail-rate", 0, "Share of requests answered with 503 (0..1)")
	text := flag.String("text", "this is a test transcription", "Transcript returned for every request")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/transcribe", func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "audio file is required"})
			return
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable audio file"})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable audio file"})
			return
		}

		_, info, err := audio.DecodeWAV(data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		logger.Info("Transcription request",
			slog.String("request_id", c.PostForm("request_id")),
			slog.String("session_id", c.PostForm("session_id")),
			slog.String("call_id", c.PostForm("call_id")),
			slog.String("job_id", c.PostForm("job_id")),
			slog.String("language", c.PostForm("language")),
			slog.Int("sample_rate", info.SampleRate),
			slog.Duration("duration", time.Duration(info.Duration*float64(time.Second))),
			slog.Int("bytes", len(data)),
		)

		time.Sleep(*delay)

		if *failRate > 0 && rand.Float64() < *failRate {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "simulated outage"})
			return
		}

		language := c.PostForm("language")
		if language == "" {
			language = "en"
		}

		if c.PostForm("response_format") == "text" {
			c.String(http.StatusOK, *text)
			return
		}

		c.JSON(http.StatusOK, transcription.Response{
			Text:       *text,
			Confidence: 0.95,
			Language:   language,
			Duration:   info.Duration,
		})
	})

	logger.Info("Stub transcription server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/transcribe"),
	)

	if err := router.Run(*addr); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
