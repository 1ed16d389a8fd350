package synchronizer

import (
	"context"
	"fmt"
	"path"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"tasksync/internal/model"
	"tasksync/internal/storage"
	"tasksync/internal/transport"
	"tasksync/internal/translator"
	"tasksync/internal/vtodo"
)

const (
	testAccount  = "user@caldav.example.com"
	testCalendar = "/calendars/user/tasks/"
)

type upload struct {
	list   string
	object string
	etag   string
	data   string
}

// fakeServer keeps uploaded objects so later fetches see them.
type fakeServer struct {
	accounts    []transport.Account
	lists       map[string][]transport.List
	objects     map[string][]transport.Object
	uploads     []upload
	listCalls   int
	fetchErr    error
	uploadErr   error
	etagCounter int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		accounts: []transport.Account{{UUID: testAccount, Name: "user", Type: model.AccountTypeCalDAV}},
		lists: map[string][]transport.List{
			testAccount: {{URL: testCalendar, Name: "Tasks"}},
		},
		objects: map[string][]transport.Object{},
	}
}

func (f *fakeServer) FetchAccounts(_ context.Context) ([]transport.Account, error) {
	return f.accounts, nil
}

func (f *fakeServer) FetchLists(_ context.Context, account transport.Account) ([]transport.List, error) {
	f.listCalls++
	return f.lists[account.UUID], nil
}

func (f *fakeServer) FetchTasks(_ context.Context, list transport.List) ([]transport.Object, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.objects[list.URL], nil
}

func (f *fakeServer) Upload(_ context.Context, list transport.List, object, etag string, data []byte) (string, error) {
	f.uploads = append(f.uploads, upload{list: list.URL, object: object, etag: etag, data: string(data)})
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.etagCounter++
	newETag := fmt.Sprintf(`"etag-%d"`, f.etagCounter)
	f.put(list.URL, object, newETag, string(data))
	return newETag, nil
}

func (f *fakeServer) put(list, object, etag, data string) {
	href := path.Join(list, object)
	obj := transport.Object{Href: href, ETag: etag, VTodo: []byte(data)}
	for i := range f.objects[list] {
		if f.objects[list][i].Href == href {
			f.objects[list][i] = obj
			return
		}
	}
	f.objects[list] = append(f.objects[list], obj)
}

func (f *fakeServer) remove(list, object string) {
	href := path.Join(list, object)
	kept := f.objects[list][:0]
	for _, o := range f.objects[list] {
		if o.Href != href {
			kept = append(kept, o)
		}
	}
	f.objects[list] = kept
}

type entitlement bool

func (e entitlement) Entitled(context.Context) bool { return bool(e) }

type nopMonitor struct{}

func (nopMonitor) Update(context.Context, model.Place) {}

type nopGeocoder struct{}

func (nopGeocoder) Enqueue(string) {}

type fixture struct {
	db     *gorm.DB
	store  *storage.Store
	server *fakeServer
	sync   *Synchronizer
	writes *int
}

func newFixture(t *testing.T, loc *time.Location, pro bool) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := storage.NewDB("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := storage.New(db)
	server := newFakeServer()
	tr := translator.New(store, translator.NewPlaces(store, nopMonitor{}, nopGeocoder{}, 0), loc)
	return &fixture{
		db:     db,
		store:  store,
		server: server,
		sync:   New(server, store, tr, entitlement(pro), Options{Workers: 1}),
		writes: countWrites(t, db),
	}
}

func countWrites(t *testing.T, db *gorm.DB) *int {
	t.Helper()
	n := new(int)
	inc := func(*gorm.DB) { *n++ }
	if err := db.Callback().Create().After("gorm:create").Register("test:count_create", inc); err != nil {
		t.Fatal(err)
	}
	if err := db.Callback().Update().After("gorm:update").Register("test:count_update", inc); err != nil {
		t.Fatal(err)
	}
	if err := db.Callback().Delete().After("gorm:delete").Register("test:count_delete", inc); err != nil {
		t.Fatal(err)
	}
	return n
}

func (f *fixture) mustSync(t *testing.T) {
	t.Helper()
	if err := f.sync.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func (f *fixture) calendar(t *testing.T) *model.CaldavCalendar {
	t.Helper()
	cals, err := f.store.GetCalendarsByAccount(context.Background(), testAccount)
	if err != nil {
		t.Fatal(err)
	}
	for i := range cals {
		if cals[i].URL == testCalendar {
			return &cals[i]
		}
	}
	t.Fatalf("calendar %s not found", testCalendar)
	return nil
}

func (f *fixture) taskFor(t *testing.T, remoteID string) *model.Task {
	t.Helper()
	ctx := context.Background()
	ct, err := f.store.GetTaskByRemoteID(ctx, f.calendar(t).UUID, remoteID)
	if err != nil {
		t.Fatalf("link %s: %v", remoteID, err)
	}
	task, err := f.store.GetTask(ctx, ct.Task)
	if err != nil {
		t.Fatalf("task %s: %v", remoteID, err)
	}
	return task
}

// localTask creates a task edited on this device and links it to the test
// calendar without a remote id.
func (f *fixture) localTask(t *testing.T, task *model.Task) *model.CaldavTask {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateTask(ctx, task, model.SourceLocal); err != nil {
		t.Fatal(err)
	}
	ct := &model.CaldavTask{Task: task.ID, Calendar: f.calendar(t).UUID}
	if err := f.store.InsertCaldavTask(ctx, ct); err != nil {
		t.Fatal(err)
	}
	return ct
}

func todo(lines ...string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Nextcloud Tasks v0.13.6\r\nBEGIN:VTODO\r\n" +
		strings.Join(lines, "\r\n") + "\r\nEND:VTODO\r\nEND:VCALENDAR\r\n"
}

func TestCreateNewAccounts(t *testing.T) {
	f := newFixture(t, time.UTC, true)
	f.mustSync(t)

	account, err := f.store.GetAccountByUUID(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("account not created: %v", err)
	}
	if account.Name != "user" || account.Error != "" {
		t.Errorf("account = %+v", account)
	}
}

func TestCantSyncWithoutPro(t *testing.T) {
	f := newFixture(t, time.UTC, false)
	f.mustSync(t)

	account, err := f.store.GetAccountByUUID(context.Background(), testAccount)
	if err != nil {
		t.Fatal(err)
	}
	if account.Error != "Requires pro subscription" {
		t.Errorf("Error = %q", account.Error)
	}
	if f.server.listCalls != 0 {
		t.Errorf("lists fetched %d times without entitlement", f.server.listCalls)
	}
	cals, _ := f.store.GetCalendarsByAccount(context.Background(), testAccount)
	if len(cals) != 0 {
		t.Errorf("calendars created without entitlement: %d", len(cals))
	}

	f.sync.entitlement = entitlement(true)
	f.mustSync(t)
	account, _ = f.store.GetAccountByUUID(context.Background(), testAccount)
	if account.Error != "" {
		t.Errorf("error not cleared: %q", account.Error)
	}
}

func TestDeleteRemovedAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.UTC, true)
	gone := &model.CaldavAccount{UUID: "account2", Name: "old"}
	if err := f.store.InsertAccount(ctx, gone); err != nil {
		t.Fatal(err)
	}
	cal := &model.CaldavCalendar{Account: gone.UUID, URL: "/old/"}
	if err := f.store.InsertCalendar(ctx, cal); err != nil {
		t.Fatal(err)
	}
	if err := f.store.InsertCaldavTask(ctx, &model.CaldavTask{Task: 1, Calendar: cal.UUID, RemoteID: "x", LastSync: 1}); err != nil {
		t.Fatal(err)
	}

	f.mustSync(t)

	if _, err := f.store.GetAccountByUUID(ctx, "account2"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("account not deleted: %v", err)
	}
	cals, _ := f.store.GetCalendarsByAccount(ctx, "account2")
	links, _ := f.store.GetCaldavTasks(ctx, cal.UUID)
	if len(cals) != 0 || len(links) != 0 {
		t.Errorf("calendars = %d, links = %d after account removal", len(cals), len(links))
	}

	f.server.accounts = nil
	f.mustSync(t)
	accounts, _ := f.store.GetAccounts(ctx)
	if len(accounts) != 0 {
		t.Errorf("accounts left: %+v", accounts)
	}
	f.mustSync(t)
	accounts, _ = f.store.GetAccounts(ctx)
	if len(accounts) != 0 {
		t.Errorf("accounts recreated: %+v", accounts)
	}
}

func TestCreateNewLists(t *testing.T) {
	f := newFixture(t, time.UTC, true)
	f.mustSync(t)

	cal := f.calendar(t)
	if cal.Name != "Tasks" || cal.UUID == "" {
		t.Errorf("calendar = %+v", cal)
	}
}

func TestRemoveMissingLists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.UTC, true)
	f.mustSync(t)
	if err := f.store.InsertCalendar(ctx, &model.CaldavCalendar{Account: testAccount, URL: "/calendars/user/gone/"}); err != nil {
		t.Fatal(err)
	}

	f.mustSync(t)

	cals, err := f.store.GetCalendarsByAccount(ctx, testAccount)
	if err != nil {
		t.Fatal(err)
	}
	if len(cals) != 1 || cals[0].URL != testCalendar {
		t.Errorf("calendars = %+v", cals)
	}
}

func TestSimplePushNewTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.UTC, true)
	f.mustSync(t)

	task := model.NewTask(time.Now())
	task.Title = "Buy milk"
	ct := f.localTask(t, task)

	f.mustSync(t)

	if len(f.server.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(f.server.uploads))
	}
	up := f.server.uploads[0]
	if up.etag != "" {
		t.Errorf("new task uploaded with If-Match %q", up.etag)
	}
	if !strings.Contains(up.data, "SUMMARY:Buy milk") {
		t.Errorf("upload missing summary:\n%s", up.data)
	}

	links, _ := f.store.GetCaldavTasks(ctx, ct.Calendar)
	if len(links) != 1 {
		t.Fatalf("links = %d", len(links))
	}
	link := links[0]
	if link.RemoteID != ct.RemoteID || link.Object != link.RemoteID+".ics" || up.object != link.Object {
		t.Errorf("link = %s, uploaded object %s", link, up.object)
	}
	stored, _ := f.store.GetTask(ctx, task.ID)
	if link.ETag != `"etag-1"` || link.LastSync != stored.Modified {
		t.Errorf("link not updated after upload: %s", link)
	}
}

func TestSanitizeRecurrenceRule(t *testing.T) {
	f := newFixture(t, time.UTC, true)
	f.server.put(testCalendar, "weekly.ics", `"1"`, todo(
		"UID:weekly",
		"SUMMARY:Water plants",
		"RRULE:FREQ=WEEKLY;COUNT=-1",
	))
	f.mustSync(t)

	if got := f.taskFor(t, "weekly").Recurrence; got != "FREQ=WEEKLY" {
		t.Errorf("Recurrence = %q", got)
	}
}

func TestLoadRemoteParentInfo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.UTC, true)
	f.server.put(testCalendar, "child.ics", `"1"`, todo(
		"UID:dfede1b0-435b-4bba-9708-2422e781747c",
		"SUMMARY:Child",
		"RELATED-TO:7daa4a5c-cc76-4ddf-b4f8-b9d3a9cb00e7",
	))
	f.mustSync(t)

	ct, err := f.store.GetTaskByRemoteID(ctx, f.calendar(t).UUID, "dfede1b0-435b-4bba-9708-2422e781747c")
	if err != nil {
		t.Fatal(err)
	}
	if ct.RemoteParent != "7daa4a5c-cc76-4ddf-b4f8-b9d3a9cb00e7" {
		t.Errorf("RemoteParent = %q", ct.RemoteParent)
	}
	if task := f.taskFor(t, ct.RemoteID); task.Parent != 0 {
		t.Errorf("unresolved parent materialized as %d", task.Parent)
	}

	f.server.put(testCalendar, "parent.ics", `"2"`, todo(
		"UID:7daa4a5c-cc76-4ddf-b4f8-b9d3a9cb00e7",
		"SUMMARY:Parent",
	))
	f.mustSync(t)

	parent := f.taskFor(t, "7daa4a5c-cc76-4ddf-b4f8-b9d3a9cb00e7")
	if child := f.taskFor(t, ct.RemoteID); child.Parent != parent.ID {
		t.Errorf("pending parent not resolved: %d, want %d", child.Parent, parent.ID)
	}
}

func TestResolveParentWithinOnePass(t *testing.T) {
	f := newFixture(t, time.UTC, true)
	// child listed before its parent
	f.server.put(testCalendar, "b.ics", `"b"`, todo("UID:B", "SUMMARY:B", "RELATED-TO;RELTYPE=PARENT:A"))
	f.server.put(testCalendar, "a.ics", `"a"`, todo("UID:A", "SUMMARY:A"))
	f.mustSync(t)

	a, b := f.taskFor(t, "A"), f.taskFor(t, "B")
	if b.Parent != a.ID {
		t.Errorf("B.Parent = %d, want %d", b.Parent, a.ID)
	}
	if a.Parent != 0 {
		t.Errorf("A.Parent = %d", a.Parent)
	}
}

func TestPushParentInfo(t *testing.T) {
	f := newFixture(t, time.UTC, true)
	f.mustSync(t)

	parent := model.NewTask(time.Now())
	parent.Title = "Parent"
	parentLink := f.localTask(t, parent)
	child := model.NewTask(time.Now())
	child.Title = "Child"
	child.Parent = parent.ID
	if err := f.store.CreateTask(context.Background(), child, model.SourceLocal); err != nil {
		t.Fatal(err)
	}
	if err := f.store.InsertCaldavTask(context.Background(), &model.CaldavTask{Task: child.ID, Calendar: parentLink.Calendar}); err != nil {
		t.Fatal(err)
	}

	f.mustSync(t)

	if len(f.server.uploads) != 2 {
		t.Fatalf("uploads = %d, want 2", len(f.server.uploads))
	}
	parentTodo, err := vtodo.Parse(f.server.uploads[0].data)
	if err != nil {
		t.Fatal(err)
	}
	childTodo, err := vtodo.Parse(f.server.uploads[1].data)
	if err != nil {
		t.Fatal(err)
	}
	if parentTodo.Summary() != "Parent" {
		t.Fatalf("first upload = %q, want parent first", parentTodo.Summary())
	}
	if got := childTodo.Parent(); got == "" || got != parentTodo.UID() {
		t.Errorf("child RELATED-TO = %q, want %q", got, parentTodo.UID())
	}
	if got := f.taskFor(t, childTodo.UID()).Parent; got != parent.ID {
		t.Errorf("child parent after sync = %d, want %d", got, parent.ID)
	}
}

func TestDueDates(t *testing.T) {
	for _, zone := range []string{"Europe/Berlin", "Europe/London", "America/New_York"} {
		t.Run(zone, func(t *testing.T) {
			loc, err := time.LoadLocation(zone)
			if err != nil {
				t.Fatal(err)
			}

			t.Run("read", func(t *testing.T) {
				f := newFixture(t, loc, true)
				f.server.put(testCalendar, "due.ics", `"1"`, todo(
					"UID:3863299529704302692",
					"SUMMARY:Due",
					"DUE;VALUE=DATE:20210201",
				))
				f.mustSync(t)
				got := f.taskFor(t, "3863299529704302692").DueDate
				if want := time.Date(2021, 2, 1, 12, 0, 0, 0, loc).UnixMilli(); got != want {
					t.Errorf("DueDate = %v, want %v", time.UnixMilli(got).In(loc), time.UnixMilli(want).In(loc))
				}
			})

			t.Run("write", func(t *testing.T) {
				f := newFixture(t, loc, true)
				f.mustSync(t)
				task := model.NewTask(time.Now())
				task.Title = "Due"
				task.DueDate = vtodo.CreateDueDate(true, time.Date(2021, 2, 1, 0, 0, 0, 0, loc))
				f.localTask(t, task)
				f.mustSync(t)
				if len(f.server.uploads) != 1 {
					t.Fatalf("uploads = %d", len(f.server.uploads))
				}
				out, err := vtodo.Parse(f.server.uploads[0].data)
				if err != nil {
					t.Fatal(err)
				}
				if due := out.Due(); !due.DateOnly || due.Value != "20210201" {
					t.Errorf("DUE = %+v, want date 20210201", due)
				}
			})
		})
	}
}

func TestSyncTwiceWritesNothing(t *testing.T) {
	f := newFixture(t, time.UTC, true)
	f.server.put(testCalendar, "b.ics", `"b"`, todo("UID:B", "SUMMARY:B", "RELATED-TO:A", "CATEGORIES:home,work", "GEO:52.52;13.405"))
	f.server.put(testCalendar, "a.ics", `"a"`, todo("UID:A", "SUMMARY:A", "DUE;VALUE=DATE:20210201"))
	f.server.put(testCalendar, "c.ics", `"c"`, todo("UID:C", "SUMMARY:C", "RELATED-TO:missing"))
	f.mustSync(t)
	if *f.writes == 0 {
		t.Fatal("first pass wrote nothing")
	}

	*f.writes = 0
	f.mustSync(t)
	if *f.writes != 0 {
		t.Errorf("second pass wrote %d times", *f.writes)
	}
	if len(f.server.uploads) != 0 {
		t.Errorf("second pass uploaded %d tasks", len(f.server.uploads))
	}
}

func TestSkipUnchangedCTag(t *testing.T) {
	f := newFixture(t, time.UTC, true)
	f.server.lists[testAccount] = []transport.List{{URL: testCalendar, Name: "Tasks", CTag: "1"}}
	f.server.put(testCalendar, "a.ics", `"a"`, todo("UID:A", "SUMMARY:A"))
	f.mustSync(t)
	if got := f.calendar(t).CTag; got != "1" {
		t.Fatalf("CTag = %q", got)
	}

	// a changed object behind an unchanged ctag is not fetched
	f.server.put(testCalendar, "a.ics", `"a2"`, todo("UID:A", "SUMMARY:A2"))
	f.mustSync(t)
	if got := f.taskFor(t, "A").Title; got != "A" {
		t.Errorf("Title = %q, fetched despite unchanged ctag", got)
	}

	f.server.lists[testAccount][0].CTag = "2"
	f.mustSync(t)
	if got := f.taskFor(t, "A").Title; got != "A2" {
		t.Errorf("Title = %q after ctag change", got)
	}
}

func TestDeleteRemoteTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.UTC, true)
	f.server.put(testCalendar, "a.ics", `"a"`, todo("UID:A", "SUMMARY:A"))
	f.server.put(testCalendar, "b.ics", `"b"`, todo("UID:B", "SUMMARY:B"))
	f.mustSync(t)
	b := f.taskFor(t, "B")

	// a local task that was never uploaded survives
	pending := f.localTask(t, &model.Task{Title: "pending"})
	f.server.uploadErr = errors.New("offline")

	f.server.remove(testCalendar, "b.ics")
	f.mustSync(t)

	cal := f.calendar(t)
	if _, err := f.store.GetTaskByRemoteID(ctx, cal.UUID, "B"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("link for deleted remote task kept: %v", err)
	}
	if _, err := f.store.GetTask(ctx, b.ID); err != nil {
		t.Errorf("task deleted without cascade: %v", err)
	}
	links, _ := f.store.GetCaldavTasks(ctx, cal.UUID)
	found := false
	for _, l := range links {
		found = found || l.ID == pending.ID
	}
	if !found {
		t.Error("never synced link was deleted")
	}
	f.taskFor(t, "A")
}

func TestFetchErrorKeepsLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.UTC, true)
	f.server.put(testCalendar, "a.ics", `"a"`, todo("UID:A", "SUMMARY:A"))
	f.mustSync(t)

	f.server.fetchErr = errors.New("timeout")
	f.mustSync(t)

	if _, err := f.store.GetTaskByRemoteID(ctx, f.calendar(t).UUID, "A"); err != nil {
		t.Errorf("link removed after failed fetch: %v", err)
	}
}

func TestUnparsableTaskIsSkipped(t *testing.T) {
	f := newFixture(t, time.UTC, true)
	f.server.put(testCalendar, "broken.ics", `"x"`, "not a calendar")
	f.server.put(testCalendar, "a.ics", `"a"`, todo("UID:A", "SUMMARY:A"))
	f.mustSync(t)

	if got := f.taskFor(t, "A").Title; got != "A" {
		t.Errorf("Title = %q", got)
	}
}

func TestUnparsableUpdateKeepsLinkedTask(t *testing.T) {
	override := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Nextcloud Tasks v0.13.6\r\n" +
		"BEGIN:VTODO\r\nUID:A\r\nSUMMARY:A\r\nRRULE:FREQ=DAILY\r\nEND:VTODO\r\n" +
		"BEGIN:VTODO\r\nUID:A\r\nRECURRENCE-ID:20210202T100000Z\r\nSUMMARY:A moved\r\nEND:VTODO\r\n" +
		"END:VCALENDAR\r\n"
	tests := []struct {
		name   string
		object string
		uid    string
	}{
		{name: "object named after uid", object: "A.ics"},
		{name: "uid from transport", object: "other-name.ics", uid: "A"},
		{name: "object name only", object: "other-name.ics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, time.UTC, true)
			f.sync.opts.CascadeTasks = true
			f.server.put(testCalendar, tt.object, `"1"`, todo("UID:A", "SUMMARY:A", "RRULE:FREQ=DAILY"))
			f.mustSync(t)
			task := f.taskFor(t, "A")

			f.server.put(testCalendar, tt.object, `"2"`, override)
			f.server.objects[testCalendar][0].UID = tt.uid
			f.mustSync(t)

			if _, err := f.store.GetTaskByRemoteID(ctx, f.calendar(t).UUID, "A"); err != nil {
				t.Fatalf("link removed after unparsable update: %v", err)
			}
			if _, err := f.store.GetTask(ctx, task.ID); err != nil {
				t.Errorf("task removed after unparsable update: %v", err)
			}
		})
	}
}

func TestAccountAlreadySyncing(t *testing.T) {
	f := newFixture(t, time.UTC, true)
	mu := f.sync.lock(testAccount)
	mu.Lock()
	f.mustSync(t)
	mu.Unlock()

	if f.server.listCalls != 0 {
		t.Errorf("locked account synced %d times", f.server.listCalls)
	}
}

func TestSortParentsFirst(t *testing.T) {
	tasks := []model.LinkedTask{
		{Task: model.Task{ID: 3, Parent: 2}},
		{Task: model.Task{ID: 2, Parent: 1}},
		{Task: model.Task{ID: 4}},
		{Task: model.Task{ID: 1}},
	}
	sortParentsFirst(tasks)
	var got []int64
	for _, lt := range tasks {
		got = append(got, lt.Task.ID)
	}
	if fmt.Sprint(got) != "[4 1 2 3]" {
		t.Errorf("order = %v", got)
	}
}
