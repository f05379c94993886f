package server

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"boxaudit/internal/aggregate"
	"boxaudit/internal/normalize"
)

func jsonResponse(ctx *fasthttp.RequestCtx, data any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(data)
	ctx.SetBody(body)
}

func serverError(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetBodyString("database error")
}

func (s *Server) statusHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		count, err := s.store.EventCount()
		if err != nil {
			serverError(ctx)
			return
		}
		jsonResponse(ctx, map[string]any{
			"event_count": count,
			"db_path":     s.cfg.DBPath,
		})
	}
}

func (s *Server) recentAnomaliesHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		limit := 50
		if v := string(ctx.QueryArgs().Peek("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				ctx.SetBodyString("limit must be an integer between 1 and 1000")
				return
			}
			limit = n
		}
		rows, err := s.store.RecentAnomalies(limit)
		if err != nil {
			serverError(ctx)
			return
		}
		jsonResponse(ctx, map[string]any{"anomalies": rows})
	}
}

func (s *Server) anomaliesForDateHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		date := ctx.UserValue("date").(string)
		rows, err := s.store.AnomaliesForDate(date)
		if err != nil {
			serverError(ctx)
			return
		}
		jsonResponse(ctx, map[string]any{"date": date, "anomalies": rows})
	}
}

func (s *Server) monthlyUsersHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		month := ctx.UserValue("month").(string)
		rows, err := s.store.MonthlyUserSummaries(month)
		if err != nil {
			serverError(ctx)
			return
		}
		jsonResponse(ctx, map[string]any{"month": month, "users": rows})
	}
}

func (s *Server) monthlyFilesHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		month := ctx.UserValue("month").(string)
		rows, err := s.store.MonthlyFileSummaries(month)
		if err != nil {
			serverError(ctx)
			return
		}
		jsonResponse(ctx, map[string]any{"month": month, "files": rows})
	}
}

// statsForDateHandler recomputes the per-file and per-user rollups for
// one JST calendar day on demand, so operators can inspect a day
// without waiting for the next batch's CSV.
func (s *Server) statsForDateHandler() fasthttp.RequestHandler {
	const topN = 20
	return func(ctx *fasthttp.RequestCtx) {
		date := ctx.UserValue("date").(string)
		start, err := time.ParseInLocation("2006-01-02", date, normalize.JST)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString("date must be YYYY-MM-DD")
			return
		}
		events, err := s.store.EventsBetween(start, start.AddDate(0, 0, 1))
		if err != nil {
			serverError(ctx)
			return
		}

		files := aggregate.ByFile(events)
		if len(files) > topN {
			files = files[:topN]
		}
		users := make([]*aggregate.UserStat, 0)
		for _, u := range aggregate.ByUser(events) {
			users = append(users, u)
		}
		sortUserStats(users)
		if len(users) > topN {
			users = users[:topN]
		}

		jsonResponse(ctx, map[string]any{
			"date":        date,
			"event_count": len(events),
			"top_files":   files,
			"top_users":   users,
		})
	}
}

func (s *Server) metricsHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		families, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("failed to gather metrics")
			return
		}

		if period := string(ctx.QueryArgs().Peek("period")); period != "" {
			families = filterByPeriod(families, period)
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := encoder.Encode(mf); err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}

func sortUserStats(users []*aggregate.UserStat) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Count != users[j].Count {
			return users[i].Count > users[j].Count
		}
		return users[i].UserLogin < users[j].UserLogin
	})
}

// filterByPeriod narrows period-labelled families to one batch window.
// Families without a period label pass through untouched.
func filterByPeriod(families []*dto.MetricFamily, period string) []*dto.MetricFamily {
	out := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		labelled := false
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "period" {
					labelled = true
					break
				}
			}
			if labelled {
				break
			}
		}
		if !labelled {
			out = append(out, mf)
			continue
		}

		var kept []*dto.Metric
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "period" && l.GetValue() == period {
					kept = append(kept, m)
					break
				}
			}
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, &dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		})
	}
	return out
}
