package handlers

import (
	"clone-stats-service/services"
	"clone-stats-service/utils"

	"github.com/gin-gonic/gin"
)

type ReportHandler struct {
	Service *services.ReportService
}

func NewReportHandler(svc *services.ReportService) *ReportHandler {
	return &ReportHandler{Service: svc}
}

type repoReportResponse struct {
	Repo               string        `json:"repo"`
	TotalUniqueCloners int64         `json:"total_unique_cloners"`
	Days               []dayResponse `json:"days"`
	Error              string        `json:"error,omitempty"`
}

type dayResponse struct {
	Timestamp string `json:"timestamp"`
	Count     int64  `json:"count"`
	Uniques   int64  `json:"uniques"`
}

// GetReport renders the stored clone history. It always answers 200; a
// repository that cannot be read shows up as an error entry in the body.
func (h *ReportHandler) GetReport(c *gin.Context) {
	report := h.Service.BuildReport(c.Request.Context())

	if c.Query("format") != "json" {
		utils.TextResponse(c, report.Text())
		return
	}

	repos := make([]repoReportResponse, 0, len(report.Repos))
	for _, rr := range report.Repos {
		resp := repoReportResponse{
			Repo:               rr.Repo,
			TotalUniqueCloners: rr.TotalUniqueCloners,
			Days:               make([]dayResponse, 0, len(rr.Records)),
		}
		if rr.Err != nil {
			resp.Error = rr.Err.Error()
		}
		for _, rec := range rr.Records {
			resp.Days = append(resp.Days, dayResponse{Timestamp: rec.Timestamp, Count: rec.Count, Uniques: rec.Uniques})
		}
		repos = append(repos, resp)
	}

	utils.SuccessResponse(c, gin.H{
		"as_of": report.AsOf.UTC(),
		"repos": repos,
	})
}
