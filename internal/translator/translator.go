package translator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"tasksync/internal/model"
	"tasksync/internal/vtodo"
)

type TaskStore interface {
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	CreateTask(ctx context.Context, task *model.Task, source model.WriteSource) error
	SaveTask(ctx context.Context, task *model.Task, source model.WriteSource) error
	InsertCaldavTask(ctx context.Context, ct *model.CaldavTask) error
	UpdateCaldavTask(ctx context.Context, ct *model.CaldavTask) error
	GetTagsForTask(ctx context.Context, taskID int64) ([]model.TagData, error)
	SetTags(ctx context.Context, taskID int64, tags []model.TagData) error
}

type Store interface {
	TaskStore
	TagStore
	LocationStore
}

type Translator struct {
	tasks  TaskStore
	tags   *Tags
	places *Places
	loc    *time.Location
	now    func() time.Time
}

// New builds a translator that reads and writes due dates in loc.
func New(store Store, places *Places, loc *time.Location) *Translator {
	if loc == nil {
		loc = time.Local
	}
	return &Translator{
		tasks:  store,
		tags:   NewTags(store),
		places: places,
		loc:    loc,
		now:    time.Now,
	}
}

// ToVtodo renders task on top of the blob last stored on ct. A remote id is
// generated and persisted on ct when it has none yet.
func (t *Translator) ToVtodo(ctx context.Context, ct *model.CaldavTask, task *model.Task) ([]byte, error) {
	var todo *vtodo.Todo
	if ct.VTodo != "" {
		parsed, err := vtodo.Parse(ct.VTodo)
		if err != nil {
			log.Warn().Err(err).Str("remoteID", ct.RemoteID).Msg("error parsing stored vtodo, starting over")
		} else {
			todo = parsed
		}
	}
	if todo == nil {
		todo = vtodo.New()
	}

	todo.SetSummary(task.Title)
	todo.SetDescription(task.Notes)
	todo.SetPriority(toRemotePriority(task.Priority, todo.Priority()))
	todo.SetDue(vtodo.ToWireTime(task.DueDate, t.loc, todo.Due()))
	todo.SetStart(vtodo.ToWireTime(task.HideUntil, t.loc, todo.Start()))
	setCompletion(todo, task)

	rule := vtodo.SanitizeRecurrence(task.Recurrence)
	todo.SetRRule(rule)
	todo.SetRepeatFromCompletion(rule != "" && task.RepeatAfterCompletion)

	todo.SetOrder(ct.Order)
	todo.SetParent(ct.RemoteParent)

	tags, err := t.tasks.GetTagsForTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.Name)
	}
	todo.SetCategories(names)

	if ct.RemoteID == "" {
		ct.RemoteID = uuid.NewString()
		if err := t.saveLink(ctx, ct); err != nil {
			return nil, err
		}
	}
	todo.SetUID(ct.RemoteID)

	geo, err := t.places.Geo(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if geo == nil || !geo.Equalish(todo.Geo()) {
		todo.SetGeo(geo)
	}

	now := t.now()
	if task.Created > 0 {
		todo.SetCreated(time.UnixMilli(task.Created))
	}
	todo.SetLastModified(now)
	todo.SetDtStamp(now)

	return []byte(todo.Serialize()), nil
}

// FromVtodo applies a remote task onto local storage. existing is the link
// already stored for the remote id, nil for tasks seen for the first time.
// Only storage failures are returned.
func (t *Translator) FromVtodo(ctx context.Context, cal *model.CaldavCalendar, existing *model.CaldavTask,
	todo *vtodo.Todo, raw, object, etag string) error {
	now := t.now()

	var task *model.Task
	if existing != nil && existing.Task != 0 {
		found, err := t.tasks.GetTask(ctx, existing.Task)
		switch {
		case errors.Is(err, model.ErrNotFound):
			log.Warn().Int64("task", existing.Task).Str("remoteID", existing.RemoteID).Msg("linked task is gone, recreating")
		case err != nil:
			return err
		default:
			task = found
		}
	}
	if task == nil {
		task = model.NewTask(now)
		if err := t.tasks.CreateTask(ctx, task, model.SourceSync); err != nil {
			return err
		}
	}

	task.Title = todo.Summary()
	task.Notes = todo.Description()
	task.Priority = fromRemotePriority(todo.Priority())
	task.DueDate = vtodo.ToLocalMillis(todo.Due(), t.loc)
	task.HideUntil = vtodo.ToLocalMillis(todo.Start(), t.loc)
	applyCompletion(task, todo, now)
	task.Recurrence = vtodo.SanitizeRecurrence(todo.RRule())
	task.RepeatAfterCompletion = task.Recurrence != "" && todo.RepeatFromCompletion()

	if err := t.places.Apply(ctx, task.ID, todo.Geo()); err != nil {
		return err
	}
	tags, err := t.tags.Resolve(ctx, todo.Categories())
	if err != nil {
		return err
	}
	if err := t.tasks.SetTags(ctx, task.ID, tags); err != nil {
		return err
	}

	task.Modified = now.UnixMilli()
	if err := t.tasks.SaveTask(ctx, task, model.SourceSync); err != nil {
		return err
	}

	ct := existing
	if ct == nil {
		ct = &model.CaldavTask{}
	}
	ct.Task = task.ID
	ct.Calendar = cal.UUID
	if uid := todo.UID(); uid != "" {
		ct.RemoteID = uid
	} else if ct.RemoteID == "" {
		ct.RemoteID = objectID(object)
	}
	if object != "" {
		ct.Object = object
	}
	ct.VTodo = raw
	ct.ETag = etag
	ct.LastSync = task.Modified
	ct.RemoteParent = todo.Parent()
	ct.Order = todo.Order()
	return t.saveLink(ctx, ct)
}

func (t *Translator) saveLink(ctx context.Context, ct *model.CaldavTask) error {
	if ct.ID == 0 {
		if err := t.tasks.InsertCaldavTask(ctx, ct); err != nil {
			return err
		}
		log.Debug().Str("calendar", ct.Calendar).Str("remoteID", ct.RemoteID).Msgf("NEW %s", ct)
		return nil
	}
	if err := t.tasks.UpdateCaldavTask(ctx, ct); err != nil {
		return err
	}
	log.Debug().Str("calendar", ct.Calendar).Str("remoteID", ct.RemoteID).Msgf("UPDATE %s", ct)
	return nil
}

func objectID(object string) string {
	return strings.TrimSuffix(object, ".ics")
}

func setCompletion(todo *vtodo.Todo, task *model.Task) {
	if task.IsCompleted() {
		todo.SetCompleted(time.UnixMilli(task.Completed))
	} else {
		todo.SetCompleted(time.Time{})
	}
	switch status := todo.Status(); {
	case task.IsDeleted():
		todo.SetStatus(vtodo.StatusCancelled)
	case task.IsCompleted():
		todo.SetStatus(vtodo.StatusCompleted)
	case status == vtodo.StatusCompleted || status == vtodo.StatusCancelled:
		todo.SetStatus(vtodo.StatusNeedsAction)
	}
}

func applyCompletion(task *model.Task, todo *vtodo.Todo, now time.Time) {
	status := todo.Status()
	switch completed := todo.Completed(); {
	case !completed.IsZero():
		task.Completed = completed.UnixMilli()
	case status == vtodo.StatusCompleted:
		if !task.IsCompleted() {
			task.Completed = now.UnixMilli()
		}
	default:
		task.Completed = 0
	}
	if status != vtodo.StatusCancelled {
		task.Deleted = 0
	} else if !task.IsDeleted() {
		task.Deleted = now.UnixMilli()
	}
}

func fromRemotePriority(p int) int {
	switch {
	case p <= 0 || p > 9:
		return model.PriorityNone
	case p < 5:
		return model.PriorityHigh
	case p == 5:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

// toRemotePriority keeps the remote value while it still maps to the same
// local priority.
func toRemotePriority(local, remote int) int {
	switch local {
	case model.PriorityHigh:
		if remote >= 1 && remote <= 4 {
			return remote
		}
		return 1
	case model.PriorityMedium:
		return 5
	case model.PriorityLow:
		if remote >= 6 && remote <= 9 {
			return remote
		}
		return 9
	default:
		return 0
	}
}
