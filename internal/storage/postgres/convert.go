package postgres

import (
	"time"

	"github.com/jkaninda/pdbgate/internal/domain"
)

func toJobModel(j *domain.Job) JobModel {
	return JobModel{
		ID:            j.ID,
		Command:       j.Command,
		Argv:          j.Argv,
		Status:        string(j.Status),
		ExitCode:      j.ExitCode,
		FailureReason: j.FailureReason,
		Error:         j.Error,
		ElapsedMS:     j.Elapsed.Milliseconds(),
		Backend:       j.Backend,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		FinishedAt:    j.FinishedAt,
	}
}

func toJobDomain(m *JobModel) *domain.Job {
	return &domain.Job{
		ID:            m.ID,
		Command:       m.Command,
		Argv:          m.Argv,
		Status:        domain.JobStatus(m.Status),
		ExitCode:      m.ExitCode,
		FailureReason: m.FailureReason,
		Error:         m.Error,
		Elapsed:       time.Duration(m.ElapsedMS) * time.Millisecond,
		Backend:       m.Backend,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		FinishedAt:    m.FinishedAt,
	}
}
