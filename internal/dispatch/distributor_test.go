package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type fakeCampaigns struct {
	campaign *model.Campaign

	beganWith int
	beganOK   bool
}

func (f *fakeCampaigns) GetByID(id int) (*model.Campaign, error) {
	if f.campaign == nil || f.campaign.ID != id {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return f.campaign, nil
}

func (f *fakeCampaigns) BeginSending(id, total int) (bool, error) {
	f.beganWith = total
	if !f.campaign.Sendable() {
		return false, nil
	}
	f.campaign.Status = model.StatusSending
	f.campaign.TotalRecipients = total
	f.beganOK = true
	return true, nil
}

// stubs to satisfy the interface
func (f *fakeCampaigns) Create(c *model.Campaign) error { return nil }
func (f *fakeCampaigns) Update(c *model.Campaign) error { return nil }
func (f *fakeCampaigns) ListCampaigns(offset, limit int, status string) ([]*model.Campaign, int, error) {
	return nil, 0, nil
}
func (f *fakeCampaigns) ListByStatus(status string) ([]*model.Campaign, error) { return nil, nil }
func (f *fakeCampaigns) ListScheduledDue() ([]*model.Campaign, error)          { return nil, nil }
func (f *fakeCampaigns) TransitionStatus(id int, to string, from ...string) (bool, error) {
	return false, nil
}
func (f *fakeCampaigns) SetSchedule(id int, at time.Time) error { return nil }
func (f *fakeCampaigns) IncrementSent(id int) error             { return nil }
func (f *fakeCampaigns) TryFinalize(id int) (bool, error)       { return false, nil }
func (f *fakeCampaigns) FlagAttention(id int) (bool, error)     { return false, nil }

type fakeSubscribers struct{ recipients []model.Recipient }

func (f *fakeSubscribers) GetByID(id int) (*model.Subscriber, error) { return nil, nil }
func (f *fakeSubscribers) ResolveRecipients(campaignID int) ([]model.Recipient, error) {
	return f.recipients, nil
}

type fakeRecords struct{ batches [][]model.Recipient }

func (f *fakeRecords) CreatePendingBatch(campaignID, serverID int, recipients []model.Recipient) error {
	f.batches = append(f.batches, recipients)
	return nil
}
func (f *fakeRecords) MarkSent(campaignID, subscriberID int) error                  { return nil }
func (f *fakeRecords) MarkFailed(campaignID, subscriberID int, lastErr string) error { return nil }
func (f *fakeRecords) TerminalCount(campaignID int) (int, error)                    { return 0, nil }
func (f *fakeRecords) HasProgress(campaignID int) (bool, error)                     { return false, nil }
func (f *fakeRecords) Stats(campaignID int) (map[string]int, error)                 { return nil, nil }

type enqueueCall struct {
	queue    string
	payloads [][]byte
	firstKey int64
}

type fakeEnqueuer struct{ calls []enqueueCall }

func (f *fakeEnqueuer) EnqueueBatch(queue string, payloads [][]byte, firstSortKey int64) error {
	f.calls = append(f.calls, enqueueCall{queue: queue, payloads: payloads, firstKey: firstSortKey})
	return nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func recipients(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{SubscriberID: i + 1, ListID: 1}
	}
	return out
}

func TestDispatchChunksBatches(t *testing.T) {
	campaigns := &fakeCampaigns{campaign: &model.Campaign{ID: 1, Status: model.StatusDraft, SendingServerID: 1}}
	records := &fakeRecords{}
	jobs := &fakeEnqueuer{}

	d := &Distributor{
		Campaigns:   campaigns,
		Subscribers: &fakeSubscribers{recipients: recipients(25)},
		Records:     records,
		Jobs:        jobs,
		Log:         testLogger(),
		ChunkSize:   10,
	}

	n, err := d.Dispatch(1)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 25 {
		t.Fatalf("dispatched %d, want 25", n)
	}

	if len(jobs.calls) != 3 {
		t.Fatalf("enqueue calls = %d, want 3", len(jobs.calls))
	}
	sizes := []int{10, 10, 5}
	keys := []int64{0, 10, 20}
	for i, call := range jobs.calls {
		if len(call.payloads) != sizes[i] {
			t.Fatalf("chunk %d size = %d, want %d", i, len(call.payloads), sizes[i])
		}
		if call.firstKey != keys[i] {
			t.Fatalf("chunk %d first sort key = %d, want %d", i, call.firstKey, keys[i])
		}
		if call.queue != "campaign_1" {
			t.Fatalf("chunk %d queue = %s, want campaign_1", i, call.queue)
		}
	}
	if len(records.batches) != 3 {
		t.Fatalf("record batches = %d, want 3", len(records.batches))
	}
}

// total_recipients is written with the actual enqueued count, after the
// whole set is known, and the campaign flips to sending.
func TestDispatchSetsActualCount(t *testing.T) {
	campaigns := &fakeCampaigns{campaign: &model.Campaign{ID: 2, Status: model.StatusScheduled, SendingServerID: 1}}

	d := &Distributor{
		Campaigns:   campaigns,
		Subscribers: &fakeSubscribers{recipients: recipients(42)},
		Records:     &fakeRecords{},
		Jobs:        &fakeEnqueuer{},
		Log:         testLogger(),
	}

	if _, err := d.Dispatch(2); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if campaigns.beganWith != 42 {
		t.Fatalf("total_recipients = %d, want 42", campaigns.beganWith)
	}
	if campaigns.campaign.Status != model.StatusSending {
		t.Fatalf("status = %s, want sending", campaigns.campaign.Status)
	}
}

func TestDispatchPayloadContract(t *testing.T) {
	campaigns := &fakeCampaigns{campaign: &model.Campaign{ID: 3, Status: model.StatusDraft, SendingServerID: 1}}
	jobs := &fakeEnqueuer{}

	d := &Distributor{
		Campaigns:   campaigns,
		Subscribers: &fakeSubscribers{recipients: []model.Recipient{{SubscriberID: 77, ListID: 9}}},
		Records:     &fakeRecords{},
		Jobs:        jobs,
		Log:         testLogger(),
	}

	if _, err := d.Dispatch(3); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var p model.JobPayload
	if err := json.Unmarshal(jobs.calls[0].payloads[0], &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.CampaignID != 3 || p.SubscriberID != 77 || p.ListID != 9 {
		t.Fatalf("payload = %+v", p)
	}
}

// A campaign with no resolvable recipients keeps its prior status and
// nothing is enqueued.
func TestDispatchZeroRecipients(t *testing.T) {
	campaigns := &fakeCampaigns{campaign: &model.Campaign{ID: 4, Status: model.StatusDraft, SendingServerID: 1}}
	jobs := &fakeEnqueuer{}

	d := &Distributor{
		Campaigns:   campaigns,
		Subscribers: &fakeSubscribers{},
		Records:     &fakeRecords{},
		Jobs:        jobs,
		Log:         testLogger(),
	}

	_, err := d.Dispatch(4)
	if _, ok := err.(*appErrors.ErrNoRecipients); !ok {
		t.Fatalf("err = %v, want ErrNoRecipients", err)
	}
	if campaigns.campaign.Status != model.StatusDraft {
		t.Fatalf("status = %s, want draft", campaigns.campaign.Status)
	}
	if len(jobs.calls) != 0 {
		t.Fatal("jobs were enqueued for an empty recipient set")
	}
}

func TestDispatchRejectsNonSendable(t *testing.T) {
	for _, status := range []string{model.StatusSending, model.StatusSent, model.StatusCancelled, model.StatusPaused} {
		campaigns := &fakeCampaigns{campaign: &model.Campaign{ID: 5, Status: status, SendingServerID: 1}}
		d := &Distributor{
			Campaigns:   campaigns,
			Subscribers: &fakeSubscribers{recipients: recipients(3)},
			Records:     &fakeRecords{},
			Jobs:        &fakeEnqueuer{},
			Log:         testLogger(),
		}
		_, err := d.Dispatch(5)
		if _, ok := err.(*appErrors.ErrBadTransition); !ok {
			t.Fatalf("status %s: err = %v, want ErrBadTransition", status, err)
		}
	}
}
