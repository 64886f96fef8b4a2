package webapi

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"medtracker/adherence"
	"medtracker/daynum"
	"medtracker/dbtypes"

	"github.com/go-chi/chi/v5"
)

type dueResponse struct {
	Day   daynum.Day           `json:"day"`
	Date  string               `json:"date"`
	Items []*adherence.DueItem `json:"items"`
}

func (s *Server) dueHandler(w http.ResponseWriter, r *http.Request) {
	now := s.clock()
	if at := r.URL.Query().Get("at"); at != "" {
		ms, err := strconv.ParseInt(at, 10, 64)
		if err != nil {
			writeError(w, r, &dbtypes.ValidationError{Field: "at", Reason: "must be epoch milliseconds"})
			return
		}
		now = time.UnixMilli(ms)
	}

	items, err := s.engine.DueToday(r.Context(), chi.URLParam(r, "userID"), now)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*adherence.DueItem{}
	}

	day := daynum.FromTime(now)
	writeJSON(w, r, http.StatusOK, dueResponse{Day: day, Date: day.String(), Items: items})
}

type recordIntakeRequest struct {
	Rxcui          string `json:"rxcui"`
	Timestamp      int64  `json:"timestamp"`
	Status         string `json:"status"`
	NotificationID string `json:"notificationId"`
	DayOverride    *int64 `json:"dayOverride"`
}

func (s *Server) recordIntakeHandler(w http.ResponseWriter, r *http.Request) {
	logOnBehalf(r, "recordIntake")

	var req recordIntakeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	err := s.engine.RecordIntake(r.Context(), adherence.IntakeRequest{
		UserID:         chi.URLParam(r, "userID"),
		Rxcui:          req.Rxcui,
		Timestamp:      req.Timestamp,
		Status:         dbtypes.IntakeStatus(req.Status),
		NotificationID: req.NotificationID,
		DayOverride:    req.DayOverride,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retireNotificationHandler(w http.ResponseWriter, r *http.Request) {
	logOnBehalf(r, "retireNotification")

	err := s.engine.RetireNotification(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "notificationID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	*adherence.WeeklyStats

	YesterdayStatus string `json:"yesterdayStatus"`
	TodayStatus     string `json:"todayStatus"`
	Rating          string `json:"rating"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	day := daynum.FromTime(s.clock())
	if q := r.URL.Query().Get("day"); q != "" {
		var err error
		day, err = daynum.ParseDayOrDate(q)
		if err != nil {
			writeError(w, r, &dbtypes.ValidationError{Field: "day", Reason: "must be a day number or YYYY-MM-DD"})
			return
		}
	}

	stats, err := s.engine.WeeklyStats(r.Context(), chi.URLParam(r, "userID"), day)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, statsResponse{
		WeeklyStats:     stats,
		YesterdayStatus: stats.Yesterday.Status(),
		TodayStatus:     stats.Today.Status(),
		Rating:          stats.Rating(),
	})
}

type backfillRequest struct {
	Days int     `json:"days"`
	Seed *uint64 `json:"seed"`
}

type backfillResponse struct {
	Calls int `json:"calls"`
}

func (s *Server) backfillHandler(w http.ResponseWriter, r *http.Request) {
	logOnBehalf(r, "backfill")

	var req backfillRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	opts := adherence.BackfillOptions{
		Days: req.Days,
		Now:  s.clock(),
	}
	if req.Seed != nil {
		opts.Rand = rand.New(rand.NewPCG(*req.Seed, 0))
	}

	calls, err := s.engine.GenerateBackfillData(r.Context(), chi.URLParam(r, "userID"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, backfillResponse{Calls: calls})
}

func (s *Server) listMedicationsHandler(w http.ResponseWriter, r *http.Request) {
	meds, err := s.engine.ListMedications(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if meds == nil {
		meds = []*dbtypes.Medication{}
	}
	writeJSON(w, r, http.StatusOK, meds)
}

func (s *Server) currentMedicationsHandler(w http.ResponseWriter, r *http.Request) {
	meds, err := s.engine.CurrentMedications(r.Context(), chi.URLParam(r, "userID"), s.clock())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if meds == nil {
		meds = []*dbtypes.Medication{}
	}
	writeJSON(w, r, http.StatusOK, meds)
}

type addMedicationResponse struct {
	ID string `json:"id"`
}

func (s *Server) addMedicationHandler(w http.ResponseWriter, r *http.Request) {
	logOnBehalf(r, "addMedication")

	med := &dbtypes.Medication{}
	if err := decodeBody(r, med); err != nil {
		writeError(w, r, err)
		return
	}

	id, err := s.engine.AddMedication(r.Context(), chi.URLParam(r, "userID"), med)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, addMedicationResponse{ID: id})
}

func (s *Server) getMedicationHandler(w http.ResponseWriter, r *http.Request) {
	med, err := s.engine.GetMedication(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "medicationID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, med)
}

func (s *Server) updateMedicationHandler(w http.ResponseWriter, r *http.Request) {
	logOnBehalf(r, "updateMedication")

	med := &dbtypes.Medication{}
	if err := decodeBody(r, med); err != nil {
		writeError(w, r, err)
		return
	}
	med.ID = chi.URLParam(r, "medicationID")

	if err := s.engine.UpdateMedication(r.Context(), chi.URLParam(r, "userID"), med); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeMedicationHandler(w http.ResponseWriter, r *http.Request) {
	logOnBehalf(r, "removeMedication")

	if err := s.engine.RemoveMedication(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "medicationID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleRemindersRequest struct {
	Days int `json:"days"`
}

type scheduleRemindersResponse struct {
	Notifications []dbtypes.Notification `json:"notifications"`
}

func (s *Server) scheduleRemindersHandler(w http.ResponseWriter, r *http.Request) {
	logOnBehalf(r, "scheduleReminders")

	var req scheduleRemindersRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	notifications, err := s.engine.ScheduleReminders(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "medicationID"), s.clock(), req.Days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if notifications == nil {
		notifications = []dbtypes.Notification{}
	}
	writeJSON(w, r, http.StatusOK, scheduleRemindersResponse{Notifications: notifications})
}
