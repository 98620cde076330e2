package app

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"eos/api/internal/email"
	"eos/api/internal/rbac"
	"eos/api/internal/store"
)

func (s *Service) ListMeetings(ctx context.Context, p *rbac.Principal, divisionID int64, status string) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	meetings, err := s.store.ListMeetings(ctx, divisionID, status)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.MeetingStats(ctx, divisionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"meetings": meetings, "stats": stats}, nil
}

func (s *Service) ScheduleMeeting(ctx context.Context, p *rbac.Principal, ip string, divisionID int64, in store.MeetingInput) (store.Meeting, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Meeting{}, err
	}
	return s.store.ScheduleMeeting(ctx, actorOf(p, ip), divisionID, in)
}

func (s *Service) GetMeeting(ctx context.Context, p *rbac.Principal, divisionID, id int64) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	m, err := s.store.GetMeeting(ctx, divisionID, id)
	if err != nil {
		return nil, err
	}
	todos, err := s.store.MeetingTodos(ctx, divisionID, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"meeting": m, "todos": todos}, nil
}

func (s *Service) StartMeeting(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64) (store.Meeting, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Meeting{}, err
	}
	return s.store.StartMeeting(ctx, actorOf(p, ip), divisionID, id)
}

type CompleteMeetingResult struct {
	Meeting store.Meeting  `json:"meeting"`
	Emails  []email.Result `json:"emails"`
}

// CompleteMeetingInput lists who receives the summary mail.
type CompleteMeetingInput struct {
	Recipients []string `json:"recipients" validate:"dive,email"`
}

// CompleteMeeting closes the meeting, then mails the summary to recipients.
// Recipients are checked before anything is written; mail failures after the
// completion are reported per recipient and never undo it.
func (s *Service) CompleteMeeting(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64, in CompleteMeetingInput) (CompleteMeetingResult, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return CompleteMeetingResult{}, err
	}
	recipients := make([]string, 0, len(in.Recipients))
	for _, r := range in.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	in.Recipients = recipients
	if err := store.V.Struct(in); err != nil {
		return CompleteMeetingResult{}, err
	}

	m, err := s.store.CompleteMeeting(ctx, actorOf(p, ip), divisionID, id)
	if err != nil {
		return CompleteMeetingResult{}, err
	}
	out := CompleteMeetingResult{Meeting: m, Emails: []email.Result{}}
	if len(recipients) == 0 {
		return out, nil
	}

	summary, err := s.meetingSummary(ctx, m)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("meeting_id", id).Msg("build meeting summary")
		return out, nil
	}
	results, err := s.email.SendMeetingSummary(ctx, recipients, summary)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("meeting_id", id).Msg("send meeting summary")
		return out, nil
	}
	out.Emails = results
	return out, nil
}

func (s *Service) meetingSummary(ctx context.Context, m store.Meeting) (email.MeetingSummary, error) {
	div, err := s.store.GetDivision(ctx, m.DivisionID)
	if err != nil {
		return email.MeetingSummary{}, err
	}
	todos, err := s.store.MeetingTodos(ctx, m.DivisionID, m.ID)
	if err != nil {
		return email.MeetingSummary{}, err
	}
	summary := email.MeetingSummary{
		Division:        divisionLabel(div),
		MeetingDate:     m.MeetingDate,
		Rating:          m.Rating,
		Segue:           deref(m.SegueGoodNews),
		Headlines:       deref(m.CustomerEmployeeHeadlines),
		ScorecardReview: deref(m.ScorecardReview),
		RockReview:      deref(m.RockReview),
		ConcludeNotes:   deref(m.ConcludeNotes),
		NewTodos:        make([]email.Task, len(todos)),
	}
	if m.ActualDurationMinutes != nil {
		summary.DurationMinutes = int(*m.ActualDurationMinutes)
	}
	for i, t := range todos {
		summary.NewTodos[i] = taskOf(t)
	}
	return summary, nil
}

func (s *Service) UpdateMeetingNotes(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64, patch map[string]any) (map[string]any, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	changes, err := s.store.UpdateMeetingNotes(ctx, actorOf(p, ip), divisionID, id, patch)
	if err != nil {
		return nil, err
	}
	m, err := s.store.GetMeeting(ctx, divisionID, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"meeting": m, "changes": changes}, nil
}

func (s *Service) DeleteMeeting(ctx context.Context, p *rbac.Principal, ip string, divisionID, id int64) error {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return err
	}
	return s.store.DeleteMeeting(ctx, actorOf(p, ip), divisionID, id)
}

func (s *Service) UpdateSection(ctx context.Context, p *rbac.Principal, ip string, divisionID, meetingID, sectionID int64, patch store.SectionPatch) (store.Section, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Section{}, err
	}
	return s.store.UpdateSection(ctx, actorOf(p, ip), divisionID, meetingID, sectionID, patch)
}

func (s *Service) CreateMeetingTodo(ctx context.Context, p *rbac.Principal, ip string, divisionID, meetingID int64, in store.TodoInput) (store.Todo, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Todo{}, err
	}
	todo, err := s.store.CreateMeetingTodo(ctx, actorOf(p, ip), divisionID, meetingID, in)
	if err != nil {
		return store.Todo{}, err
	}
	s.indexTodo(todo)
	return todo, nil
}

func (s *Service) CreateMeetingIssue(ctx context.Context, p *rbac.Principal, ip string, divisionID, meetingID int64, in store.IssueInput) (store.Issue, error) {
	if err := s.authorizeDivision(ctx, p, divisionID, rbac.ActionWrite); err != nil {
		return store.Issue{}, err
	}
	issue, err := s.store.CreateMeetingIssue(ctx, actorOf(p, ip), divisionID, meetingID, in)
	if err != nil {
		return store.Issue{}, err
	}
	s.indexIssue(issue)
	return issue, nil
}
