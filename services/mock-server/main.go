package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stoik/mailsift/internal/models"
	"github.com/stoik/mailsift/services/mock-server/internal/mock"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	addr := fmt.Sprintf(":%s", port)
	log.Printf("Starting Mailsift Mock API server on %s", addr)
	log.Fatal(http.ListenAndServe(addr, newRouter()))
}

func newRouter() *gin.Engine {
	r := gin.Default()

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Classifier service
	r.POST("/classify", handleClassify)

	// Gemini API, e.g. /v1beta/models/gemini-2.0-flash-001:generateContent
	r.POST("/v1beta/models/:model", handleGenerate)

	// Admin endpoints for testing
	admin := r.Group("/admin")
	{
		admin.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, mock.GetStats())
		})
	}

	return r
}

func handleClassify(c *gin.Context) {
	var req struct {
		Documents []models.Document `json:"documents"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	out, err := mock.Classify(req.Documents, c.Query("shape"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

func handleGenerate(c *gin.Context) {
	model, method, ok := strings.Cut(c.Param("model"), ":")
	if !ok || method != "generateContent" || model == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": 404, "message": "unknown method"}})
		return
	}
	if c.Query("key") == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"code": 403, "message": "API key missing"}})
		return
	}

	var req struct {
		Contents []content `json:"contents"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Contents) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": 400, "message": "contents required"}})
		return
	}

	var prompt strings.Builder
	for _, p := range req.Contents[len(req.Contents)-1].Parts {
		prompt.WriteString(p.Text)
	}

	c.JSON(http.StatusOK, gin.H{
		"candidates": []gin.H{{
			"content": content{
				Role:  "model",
				Parts: []part{{Text: mock.Generate(prompt.String())}},
			},
			"finishReason": "STOP",
		}},
		"modelVersion": model,
	})
}
