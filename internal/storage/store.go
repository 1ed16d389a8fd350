package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"tasksync/internal/model"
)

// coordinate prefilter, wider than the six decimal places places are matched on
const placeEpsilon = 0.00001

type Store struct {
	db  *gorm.DB
	now func() time.Time

	mu          sync.RWMutex
	subscribers []func(model.TaskEvent)
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Subscribe registers fn for every task write. fn runs on the writing
// goroutine and must not block.
func (s *Store) Subscribe(fn func(model.TaskEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) publish(ev model.TaskEvent) {
	s.mu.RLock()
	subscribers := s.subscribers
	s.mu.RUnlock()
	for _, fn := range subscribers {
		fn(ev)
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return err
}

func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

func (s *Store) GetTasks(ctx context.Context, ids []int64) ([]model.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tasks []model.Task
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&tasks).Error; err != nil {
		return nil, errors.Wrap(err, "error getting tasks")
	}
	return tasks, nil
}

func (s *Store) CreateTask(ctx context.Context, task *model.Task, source model.WriteSource) error {
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return errors.Wrap(err, "error creating task")
	}
	s.publish(model.TaskEvent{TaskID: task.ID, Source: source})
	return nil
}

// SaveTask stamps local edits with a new modification time; sync writes keep
// the time the caller set so the task is not seen as dirty.
func (s *Store) SaveTask(ctx context.Context, task *model.Task, source model.WriteSource) error {
	if source == model.SourceLocal {
		task.Modified = s.now().UnixMilli()
	}
	if err := s.db.WithContext(ctx).Save(task).Error; err != nil {
		return errors.Wrap(err, "error saving task")
	}
	s.publish(model.TaskEvent{TaskID: task.ID, Source: source})
	return nil
}

func (s *Store) UpdateParent(ctx context.Context, taskID, parent int64) error {
	err := s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).UpdateColumn("parent", parent).Error
	if err != nil {
		return errors.Wrap(err, "error updating parent")
	}
	s.publish(model.TaskEvent{TaskID: taskID, Source: model.SourceSync})
	return nil
}

// InsertCaldavTask assigns a fresh remote id to links created on this device.
func (s *Store) InsertCaldavTask(ctx context.Context, ct *model.CaldavTask) error {
	if ct.RemoteID == "" {
		ct.RemoteID = uuid.NewString()
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(ct).Error, "error inserting caldav task")
}

func (s *Store) UpdateCaldavTask(ctx context.Context, ct *model.CaldavTask) error {
	return errors.Wrap(s.db.WithContext(ctx).Save(ct).Error, "error updating caldav task")
}

func (s *Store) GetTaskByRemoteID(ctx context.Context, calendar, remoteID string) (*model.CaldavTask, error) {
	var ct model.CaldavTask
	err := s.db.WithContext(ctx).Where("calendar = ? AND remote_id = ?", calendar, remoteID).First(&ct).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ct, nil
}

func (s *Store) GetCaldavTasks(ctx context.Context, calendar string) ([]model.CaldavTask, error) {
	var out []model.CaldavTask
	if err := s.db.WithContext(ctx).Where("calendar = ?", calendar).Order("id").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "error getting caldav tasks")
	}
	return out, nil
}

// GetDirty returns links whose task changed after the last sync, plus links
// that were never synced.
func (s *Store) GetDirty(ctx context.Context, calendar string) ([]model.LinkedTask, error) {
	var links []model.CaldavTask
	err := s.db.WithContext(ctx).
		Where("calendar = ?", calendar).
		Where("last_sync = 0 OR EXISTS (SELECT 1 FROM tasks WHERE tasks.id = caldav_tasks.task AND tasks.modified > caldav_tasks.last_sync)").
		Order("id").
		Find(&links).Error
	if err != nil {
		return nil, errors.Wrap(err, "error getting dirty tasks")
	}
	ids := make([]int64, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.Task)
	}
	tasks, err := s.GetTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	out := make([]model.LinkedTask, 0, len(links))
	for _, l := range links {
		task, ok := byID[l.Task]
		if !ok {
			continue
		}
		out = append(out, model.LinkedTask{CaldavTask: l, Task: task})
	}
	return out, nil
}

func (s *Store) DeleteCaldavTask(ctx context.Context, ct *model.CaldavTask, cascade bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.CaldavTask{}, ct.ID).Error; err != nil {
			return errors.Wrap(err, "error deleting caldav task")
		}
		if cascade {
			return deleteTasks(tx, []int64{ct.Task})
		}
		return nil
	})
}

func (s *Store) GetAccounts(ctx context.Context) ([]model.CaldavAccount, error) {
	var out []model.CaldavAccount
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "error getting accounts")
	}
	return out, nil
}

func (s *Store) GetAccountByUUID(ctx context.Context, uuid string) (*model.CaldavAccount, error) {
	var account model.CaldavAccount
	if err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

func (s *Store) InsertAccount(ctx context.Context, account *model.CaldavAccount) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(account).Error, "error inserting account")
}

func (s *Store) UpdateAccount(ctx context.Context, account *model.CaldavAccount) error {
	return errors.Wrap(s.db.WithContext(ctx).Save(account).Error, "error updating account")
}

// DeleteAccount removes the account with its calendars and links, and with
// cascade set also the tasks those links pointed at.
func (s *Store) DeleteAccount(ctx context.Context, account *model.CaldavAccount, cascade bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var calendars []model.CaldavCalendar
		if err := tx.Where("account = ?", account.UUID).Find(&calendars).Error; err != nil {
			return errors.Wrap(err, "error getting calendars")
		}
		for i := range calendars {
			if err := deleteCalendar(tx, &calendars[i], cascade); err != nil {
				return err
			}
		}
		return errors.Wrap(tx.Delete(&model.CaldavAccount{}, account.ID).Error, "error deleting account")
	})
}

func (s *Store) GetCalendars(ctx context.Context) ([]model.CaldavCalendar, error) {
	var out []model.CaldavCalendar
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "error getting calendars")
	}
	return out, nil
}

func (s *Store) GetCalendarsByAccount(ctx context.Context, account string) ([]model.CaldavCalendar, error) {
	var out []model.CaldavCalendar
	if err := s.db.WithContext(ctx).Where("account = ?", account).Order("id").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "error getting calendars")
	}
	return out, nil
}

func (s *Store) InsertCalendar(ctx context.Context, cal *model.CaldavCalendar) error {
	if cal.UUID == "" {
		cal.UUID = uuid.NewString()
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(cal).Error, "error inserting calendar")
}

func (s *Store) UpdateCalendar(ctx context.Context, cal *model.CaldavCalendar) error {
	return errors.Wrap(s.db.WithContext(ctx).Save(cal).Error, "error updating calendar")
}

func (s *Store) DeleteCalendar(ctx context.Context, cal *model.CaldavCalendar, cascade bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteCalendar(tx, cal, cascade)
	})
}

func deleteCalendar(tx *gorm.DB, cal *model.CaldavCalendar, cascade bool) error {
	var taskIDs []int64
	if err := tx.Model(&model.CaldavTask{}).Where("calendar = ?", cal.UUID).Pluck("task", &taskIDs).Error; err != nil {
		return errors.Wrap(err, "error getting calendar tasks")
	}
	if err := tx.Where("calendar = ?", cal.UUID).Delete(&model.CaldavTask{}).Error; err != nil {
		return errors.Wrap(err, "error deleting caldav tasks")
	}
	if cascade {
		if err := deleteTasks(tx, taskIDs); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Delete(&model.CaldavCalendar{}, cal.ID).Error, "error deleting calendar")
}

func deleteTasks(tx *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("task IN ?", ids).Delete(&model.Tag{}).Error; err != nil {
		return errors.Wrap(err, "error deleting tags")
	}
	if err := tx.Where("task IN ?", ids).Delete(&model.Geofence{}).Error; err != nil {
		return errors.Wrap(err, "error deleting geofences")
	}
	if err := tx.Model(&model.Task{}).Where("parent IN ?", ids).UpdateColumn("parent", 0).Error; err != nil {
		return errors.Wrap(err, "error detaching subtasks")
	}
	return errors.Wrap(tx.Where("id IN ?", ids).Delete(&model.Task{}).Error, "error deleting tasks")
}

func (s *Store) GetTagsByName(ctx context.Context, names []string) ([]model.TagData, error) {
	var out []model.TagData
	if err := s.db.WithContext(ctx).Where("name IN ?", names).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "error getting tags")
	}
	return out, nil
}

func (s *Store) CreateTag(ctx context.Context, tag *model.TagData) error {
	if tag.UID == "" {
		tag.UID = uuid.NewString()
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(tag).Error, "error creating tag")
}

func (s *Store) GetTagsForTask(ctx context.Context, taskID int64) ([]model.TagData, error) {
	var uids []string
	if err := s.db.WithContext(ctx).Model(&model.Tag{}).Where("task = ?", taskID).Pluck("tag_uid", &uids).Error; err != nil {
		return nil, errors.Wrap(err, "error getting task tags")
	}
	if len(uids) == 0 {
		return nil, nil
	}
	var out []model.TagData
	if err := s.db.WithContext(ctx).Where("uid IN ?", uids).Order("name").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "error getting tags")
	}
	return out, nil
}

// SetTags replaces the tag set of a task, writing only the difference.
func (s *Store) SetTags(ctx context.Context, taskID int64, tags []model.TagData) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current []string
		if err := tx.Model(&model.Tag{}).Where("task = ?", taskID).Pluck("tag_uid", &current).Error; err != nil {
			return errors.Wrap(err, "error getting task tags")
		}
		want := make(map[string]struct{}, len(tags))
		for _, t := range tags {
			want[t.UID] = struct{}{}
		}
		have := make(map[string]struct{}, len(current))
		var stale []string
		for _, uid := range current {
			have[uid] = struct{}{}
			if _, ok := want[uid]; !ok {
				stale = append(stale, uid)
			}
		}
		if len(stale) > 0 {
			if err := tx.Where("task = ? AND tag_uid IN ?", taskID, stale).Delete(&model.Tag{}).Error; err != nil {
				return errors.Wrap(err, "error removing tags")
			}
		}
		for _, t := range tags {
			if _, ok := have[t.UID]; ok {
				continue
			}
			if err := tx.Create(&model.Tag{Task: taskID, TagUID: t.UID}).Error; err != nil {
				return errors.Wrap(err, "error adding tag")
			}
			have[t.UID] = struct{}{}
		}
		return nil
	})
}

func (s *Store) FindPlace(ctx context.Context, lat, lng float64) (*model.Place, error) {
	var candidates []model.Place
	err := s.db.WithContext(ctx).
		Where("latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?",
			lat-placeEpsilon, lat+placeEpsilon, lng-placeEpsilon, lng+placeEpsilon).
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return nil, errors.Wrap(err, "error finding place")
	}
	for i := range candidates {
		if candidates[i].SameCoordinates(lat, lng) {
			return &candidates[i], nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) GetPlace(ctx context.Context, uid string) (*model.Place, error) {
	var place model.Place
	if err := s.db.WithContext(ctx).Where("uid = ?", uid).First(&place).Error; err != nil {
		return nil, notFound(err)
	}
	return &place, nil
}

func (s *Store) InsertPlace(ctx context.Context, place *model.Place) error {
	if place.UID == "" {
		place.UID = uuid.NewString()
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(place).Error, "error inserting place")
}

func (s *Store) UpdatePlace(ctx context.Context, place *model.Place) error {
	return errors.Wrap(s.db.WithContext(ctx).Save(place).Error, "error updating place")
}

func (s *Store) GetGeofences(ctx context.Context, taskID int64) ([]model.Location, error) {
	var geofences []model.Geofence
	if err := s.db.WithContext(ctx).Where("task = ?", taskID).Order("id").Find(&geofences).Error; err != nil {
		return nil, errors.Wrap(err, "error getting geofences")
	}
	if len(geofences) == 0 {
		return nil, nil
	}
	uids := make([]string, 0, len(geofences))
	for _, g := range geofences {
		uids = append(uids, g.Place)
	}
	var places []model.Place
	if err := s.db.WithContext(ctx).Where("uid IN ?", uids).Find(&places).Error; err != nil {
		return nil, errors.Wrap(err, "error getting places")
	}
	byUID := make(map[string]model.Place, len(places))
	for _, p := range places {
		byUID[p.UID] = p
	}
	out := make([]model.Location, 0, len(geofences))
	for _, g := range geofences {
		place, ok := byUID[g.Place]
		if !ok {
			continue
		}
		out = append(out, model.Location{Geofence: g, Place: place})
	}
	return out, nil
}

// GetActiveGeofences returns the geofences of a task that is neither
// completed nor deleted.
func (s *Store) GetActiveGeofences(ctx context.Context, taskID int64) ([]model.Location, error) {
	task, err := s.GetTask(ctx, taskID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.IsCompleted() || task.IsDeleted() {
		return nil, nil
	}
	return s.GetGeofences(ctx, taskID)
}

func (s *Store) InsertGeofence(ctx context.Context, geofence *model.Geofence) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(geofence).Error, "error inserting geofence")
}

func (s *Store) UpdateGeofence(ctx context.Context, geofence *model.Geofence) error {
	return errors.Wrap(s.db.WithContext(ctx).Save(geofence).Error, "error updating geofence")
}

func (s *Store) DeleteGeofence(ctx context.Context, id int64) error {
	return errors.Wrap(s.db.WithContext(ctx).Delete(&model.Geofence{}, id).Error, "error deleting geofence")
}
