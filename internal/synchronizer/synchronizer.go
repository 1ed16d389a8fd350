package synchronizer

import (
	"context"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"tasksync/internal/model"
	"tasksync/internal/transport"
	"tasksync/internal/translator"
	"tasksync/internal/vtodo"
)

// ErrRequiresPro is recorded on accounts while syncing is not available.
var ErrRequiresPro = errors.New("Requires pro subscription")

type Transport interface {
	FetchAccounts(ctx context.Context) ([]transport.Account, error)
	FetchLists(ctx context.Context, account transport.Account) ([]transport.List, error)
	FetchTasks(ctx context.Context, list transport.List) ([]transport.Object, error)
	Upload(ctx context.Context, list transport.List, object, etag string, data []byte) (string, error)
}

type Store interface {
	GetAccounts(ctx context.Context) ([]model.CaldavAccount, error)
	InsertAccount(ctx context.Context, account *model.CaldavAccount) error
	UpdateAccount(ctx context.Context, account *model.CaldavAccount) error
	DeleteAccount(ctx context.Context, account *model.CaldavAccount, cascade bool) error

	GetCalendarsByAccount(ctx context.Context, account string) ([]model.CaldavCalendar, error)
	InsertCalendar(ctx context.Context, cal *model.CaldavCalendar) error
	UpdateCalendar(ctx context.Context, cal *model.CaldavCalendar) error
	DeleteCalendar(ctx context.Context, cal *model.CaldavCalendar, cascade bool) error

	GetTasks(ctx context.Context, ids []int64) ([]model.Task, error)
	UpdateParent(ctx context.Context, taskID, parent int64) error
	GetTaskByRemoteID(ctx context.Context, calendar, remoteID string) (*model.CaldavTask, error)
	GetCaldavTasks(ctx context.Context, calendar string) ([]model.CaldavTask, error)
	GetDirty(ctx context.Context, calendar string) ([]model.LinkedTask, error)
	UpdateCaldavTask(ctx context.Context, ct *model.CaldavTask) error
	DeleteCaldavTask(ctx context.Context, ct *model.CaldavTask, cascade bool) error
}

type Entitlement interface {
	Entitled(ctx context.Context) bool
}

type Options struct {
	// Workers bounds how many accounts sync at once.
	Workers int
	// CascadeTasks deletes local tasks together with their links.
	CascadeTasks bool
}

type Synchronizer struct {
	transport   Transport
	store       Store
	translator  *translator.Translator
	entitlement Entitlement
	opts        Options
	now         func() time.Time

	locks sync.Map
}

func New(t Transport, store Store, tr *translator.Translator, entitlement Entitlement, opts Options) *Synchronizer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Synchronizer{
		transport:   t,
		store:       store,
		translator:  tr,
		entitlement: entitlement,
		opts:        opts,
		now:         time.Now,
	}
}

// Sync runs one cycle over every account. Transport failures are logged and
// skipped; storage failures are returned.
func (s *Synchronizer) Sync(ctx context.Context) error {
	remote, err := s.transport.FetchAccounts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("error fetching accounts, skipping cycle")
		return nil
	}
	accounts, err := s.reconcileAccounts(ctx, remote)
	if err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.opts.Workers)
	for _, a := range accounts {
		p.Go(func(ctx context.Context) error {
			return s.syncAccount(ctx, a.local, a.remote)
		})
	}
	return p.Wait()
}

type accountPair struct {
	local  *model.CaldavAccount
	remote transport.Account
}

func (s *Synchronizer) reconcileAccounts(ctx context.Context, remote []transport.Account) ([]accountPair, error) {
	local, err := s.store.GetAccounts(ctx)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]*model.CaldavAccount, len(local))
	for i := range local {
		byUUID[local[i].UUID] = &local[i]
	}

	seen := make(map[string]struct{}, len(remote))
	pairs := make([]accountPair, 0, len(remote))
	for _, r := range remote {
		if _, ok := seen[r.UUID]; ok {
			continue
		}
		seen[r.UUID] = struct{}{}
		account, ok := byUUID[r.UUID]
		switch {
		case !ok:
			account = &model.CaldavAccount{
				UUID:        r.UUID,
				Name:        r.Name,
				AccountType: r.Type,
				URL:         r.URL,
				Username:    r.Username,
			}
			if err := s.store.InsertAccount(ctx, account); err != nil {
				return nil, err
			}
			log.Info().Str("account", account.UUID).Msg("new account")
		case account.Name != r.Name || account.URL != r.URL || account.Username != r.Username:
			account.Name, account.URL, account.Username = r.Name, r.URL, r.Username
			if err := s.store.UpdateAccount(ctx, account); err != nil {
				return nil, err
			}
		}
		pairs = append(pairs, accountPair{local: account, remote: r})
	}

	for i := range local {
		if _, ok := seen[local[i].UUID]; ok {
			continue
		}
		if err := s.store.DeleteAccount(ctx, &local[i], s.opts.CascadeTasks); err != nil {
			return nil, err
		}
		log.Info().Str("account", local[i].UUID).Msg("deleted account")
	}
	return pairs, nil
}

func (s *Synchronizer) lock(uuid string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(uuid, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Synchronizer) syncAccount(ctx context.Context, account *model.CaldavAccount, remote transport.Account) error {
	mu := s.lock(account.UUID)
	if !mu.TryLock() {
		log.Info().Str("account", account.UUID).Msg("sync already running, skipping account")
		return nil
	}
	defer mu.Unlock()

	if !s.entitlement.Entitled(ctx) {
		return s.setError(ctx, account, ErrRequiresPro.Error())
	}

	lists, err := s.transport.FetchLists(ctx, remote)
	if err != nil {
		log.Error().Err(err).Str("account", account.UUID).Msg("error fetching lists")
		return nil
	}
	if err := s.setError(ctx, account, ""); err != nil {
		return err
	}

	if err := s.syncLists(ctx, account, lists); err != nil {
		if ctx.Err() == nil {
			if serr := s.setError(ctx, account, err.Error()); serr != nil {
				log.Error().Err(serr).Str("account", account.UUID).Msg("error recording account error")
			}
		}
		return errors.Wrapf(err, "error syncing account %s", account.UUID)
	}
	return nil
}

func (s *Synchronizer) setError(ctx context.Context, account *model.CaldavAccount, msg string) error {
	if account.Error == msg {
		return nil
	}
	account.Error = msg
	return s.store.UpdateAccount(ctx, account)
}

func (s *Synchronizer) syncLists(ctx context.Context, account *model.CaldavAccount, lists []transport.List) error {
	calendars, err := s.reconcileLists(ctx, account, lists)
	if err != nil {
		return err
	}
	for _, c := range calendars {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.syncList(ctx, c.local, c.remote); err != nil {
			return err
		}
	}
	return nil
}

type listPair struct {
	local  *model.CaldavCalendar
	remote transport.List
}

func (s *Synchronizer) reconcileLists(ctx context.Context, account *model.CaldavAccount, remote []transport.List) ([]listPair, error) {
	local, err := s.store.GetCalendarsByAccount(ctx, account.UUID)
	if err != nil {
		return nil, err
	}
	byURL := make(map[string]*model.CaldavCalendar, len(local))
	for i := range local {
		byURL[local[i].URL] = &local[i]
	}

	seen := make(map[string]struct{}, len(remote))
	pairs := make([]listPair, 0, len(remote))
	for _, r := range remote {
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		cal, ok := byURL[r.URL]
		switch {
		case !ok:
			cal = &model.CaldavCalendar{Account: account.UUID, URL: r.URL, Name: r.Name}
			if err := s.store.InsertCalendar(ctx, cal); err != nil {
				return nil, err
			}
			log.Info().Str("account", account.UUID).Str("calendar", cal.URL).Msg("new calendar")
		case cal.Name != r.Name:
			cal.Name = r.Name
			if err := s.store.UpdateCalendar(ctx, cal); err != nil {
				return nil, err
			}
		}
		pairs = append(pairs, listPair{local: cal, remote: r})
	}

	for i := range local {
		if _, ok := seen[local[i].URL]; ok {
			continue
		}
		if err := s.store.DeleteCalendar(ctx, &local[i], s.opts.CascadeTasks); err != nil {
			return nil, err
		}
		log.Info().Str("account", account.UUID).Str("calendar", local[i].URL).Msg("deleted calendar")
	}
	return pairs, nil
}

func (s *Synchronizer) syncList(ctx context.Context, cal *model.CaldavCalendar, list transport.List) error {
	if err := s.push(ctx, cal, list); err != nil {
		return err
	}

	if list.CTag != "" && list.CTag == cal.CTag {
		log.Debug().Str("calendar", cal.URL).Msg("calendar unchanged")
		return s.resolveParents(ctx, cal)
	}

	objects, err := s.transport.FetchTasks(ctx, list)
	if err != nil {
		log.Error().Err(err).Str("calendar", cal.URL).Msg("error fetching tasks")
		return s.resolveParents(ctx, cal)
	}

	observed := observation{
		remoteIDs: make(map[string]struct{}, len(objects)),
		objects:   make(map[string]struct{}, len(objects)),
	}
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		uid, err := s.ingest(ctx, cal, obj)
		if err != nil {
			return err
		}
		if uid != "" {
			observed.remoteIDs[uid] = struct{}{}
		}
		observed.objects[path.Base(obj.Href)] = struct{}{}
	}

	if err := s.deleteUnobserved(ctx, cal, observed); err != nil {
		return err
	}
	if cal.CTag != list.CTag {
		cal.CTag = list.CTag
		if err := s.store.UpdateCalendar(ctx, cal); err != nil {
			return err
		}
	}
	return s.resolveParents(ctx, cal)
}

// ingest applies one remote object and returns its remote id. Objects that
// cannot be parsed are skipped but still reported as observed, so their
// links survive.
func (s *Synchronizer) ingest(ctx context.Context, cal *model.CaldavCalendar, obj transport.Object) (string, error) {
	object := path.Base(obj.Href)
	fallback := obj.UID
	if fallback == "" {
		fallback = strings.TrimSuffix(object, ".ics")
	}
	todo, err := vtodo.Parse(string(obj.VTodo))
	if err != nil {
		log.Warn().Err(err).Str("calendar", cal.URL).Str("href", obj.Href).Msg("skipping unparsable task")
		return fallback, nil
	}
	uid := todo.UID()
	if uid == "" {
		uid = fallback
	}
	if uid == "" {
		log.Warn().Str("calendar", cal.URL).Str("href", obj.Href).Msg("skipping task without uid")
		return "", nil
	}
	todo.SetUID(uid)

	existing, err := s.store.GetTaskByRemoteID(ctx, cal.UUID, uid)
	switch {
	case errors.Is(err, model.ErrNotFound):
		existing = nil
	case err != nil:
		return "", err
	}
	if existing != nil && unchanged(existing, obj) {
		return uid, nil
	}
	if err := s.translator.FromVtodo(ctx, cal, existing, todo, string(obj.VTodo), object, obj.ETag); err != nil {
		return "", err
	}
	return uid, nil
}

func unchanged(ct *model.CaldavTask, obj transport.Object) bool {
	if obj.ETag != "" && ct.ETag == obj.ETag {
		return true
	}
	return ct.VTodo == string(obj.VTodo)
}

// observation is what one fetch of a list saw, by remote id and by object
// name.
type observation struct {
	remoteIDs map[string]struct{}
	objects   map[string]struct{}
}

func (o observation) has(ct *model.CaldavTask) bool {
	if _, ok := o.remoteIDs[ct.RemoteID]; ok {
		return true
	}
	_, ok := o.objects[ct.Object]
	return ok && ct.Object != ""
}

func (s *Synchronizer) deleteUnobserved(ctx context.Context, cal *model.CaldavCalendar, observed observation) error {
	links, err := s.store.GetCaldavTasks(ctx, cal.UUID)
	if err != nil {
		return err
	}
	for i := range links {
		ct := &links[i]
		if observed.has(ct) {
			continue
		}
		// never uploaded, the server cannot have deleted it
		if ct.LastSync == 0 || ct.RemoteID == "" {
			continue
		}
		if err := s.store.DeleteCaldavTask(ctx, ct, s.opts.CascadeTasks); err != nil {
			return err
		}
		log.Debug().Str("calendar", cal.URL).Str("remoteID", ct.RemoteID).Msgf("DELETE %s", ct)
	}
	return nil
}

// push uploads every task changed since its last sync, parents before
// children so that new parents have a remote id to point at.
func (s *Synchronizer) push(ctx context.Context, cal *model.CaldavCalendar, list transport.List) error {
	dirty, err := s.store.GetDirty(ctx, cal.UUID)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}
	links, err := s.store.GetCaldavTasks(ctx, cal.UUID)
	if err != nil {
		return err
	}
	byTask := make(map[int64]model.CaldavTask, len(links))
	for _, ct := range links {
		byTask[ct.Task] = ct
	}

	sortParentsFirst(dirty)
	for _, lt := range dirty {
		if err := ctx.Err(); err != nil {
			return err
		}
		ct, task := lt.CaldavTask, lt.Task

		ct.RemoteParent = ""
		if parent, ok := byTask[task.Parent]; ok && task.Parent != 0 {
			ct.RemoteParent = parent.RemoteID
		}

		data, err := s.translator.ToVtodo(ctx, &ct, &task)
		if err != nil {
			return err
		}
		object := ct.Object
		if object == "" {
			object = ct.RemoteID + ".ics"
		}
		etag, err := s.transport.Upload(ctx, list, object, ct.ETag, data)
		if err != nil {
			log.Error().Err(err).Str("calendar", cal.URL).Str("remoteID", ct.RemoteID).Msg("error uploading task")
			byTask[task.ID] = ct
			continue
		}

		ct.Object = object
		ct.VTodo = string(data)
		ct.ETag = etag
		ct.LastSync = task.Modified
		if ct.LastSync == 0 {
			ct.LastSync = s.now().UnixMilli()
		}
		if err := s.store.UpdateCaldavTask(ctx, &ct); err != nil {
			return err
		}
		log.Debug().Str("calendar", cal.URL).Str("remoteID", ct.RemoteID).Msgf("PUSH %s", ct)
		byTask[task.ID] = ct
	}
	return nil
}

func sortParentsFirst(tasks []model.LinkedTask) {
	parents := make(map[int64]int64, len(tasks))
	for _, lt := range tasks {
		parents[lt.Task.ID] = lt.Task.Parent
	}
	depth := func(id int64) int {
		d := 0
		for p, ok := parents[id]; ok && p != 0 && d < len(parents); p, ok = parents[p] {
			d++
		}
		return d
	}
	slices.SortStableFunc(tasks, func(a, b model.LinkedTask) int {
		return depth(a.Task.ID) - depth(b.Task.ID)
	})
}

// resolveParents points every synced task at the local task whose link
// carries its remote parent id. Unresolved parents stay pending on the link.
func (s *Synchronizer) resolveParents(ctx context.Context, cal *model.CaldavCalendar) error {
	links, err := s.store.GetCaldavTasks(ctx, cal.UUID)
	if err != nil {
		return err
	}
	byRemoteID := make(map[string]int64, len(links))
	ids := make([]int64, 0, len(links))
	for _, ct := range links {
		if ct.RemoteID != "" {
			byRemoteID[ct.RemoteID] = ct.Task
		}
		ids = append(ids, ct.Task)
	}
	tasks, err := s.store.GetTasks(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[int64]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, ct := range links {
		task, ok := byID[ct.Task]
		// local edits not yet pushed win over the stored remote parent
		if !ok || ct.LastSync == 0 || task.Modified > ct.LastSync {
			continue
		}
		if _, inCalendar := byID[task.Parent]; ct.RemoteParent == "" && task.Parent != 0 && !inCalendar {
			continue
		}
		var parent int64
		if ct.RemoteParent != "" {
			id, found := byRemoteID[ct.RemoteParent]
			if found && id != task.ID {
				parent = id
			} else {
				log.Debug().Str("calendar", cal.URL).Str("remoteID", ct.RemoteID).
					Str("remoteParent", ct.RemoteParent).Msg("parent not resolved yet")
			}
		}
		if task.Parent == parent {
			continue
		}
		if err := s.store.UpdateParent(ctx, task.ID, parent); err != nil {
			return err
		}
	}
	return nil
}
