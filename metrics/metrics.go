package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ProposalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "proposals_total",
		Help:      "Proposal rounds started on this process, by result",
	}, []string{"node", "result"})

	CampaignsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "campaigns_total",
		Help:      "Campaign rounds started on this process, by result",
	}, []string{"node", "result"})

	CommittedEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "committed_entries_total",
		Help:      "Entries marked committed, proposer and peer side",
	}, []string{"node"})

	StepDowns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "step_downs_total",
		Help:      "Role step-downs caused by higher proposal numbers",
	}, []string{"node"})

	CommitIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quorum",
		Name:      "commit_index",
		Help:      "Current commit watermark per node",
	}, []string{"node"})
)

// Result labels for ProposalsTotal and CampaignsTotal.
const (
	ResultCommitted   = "committed"
	ResultQuorumFail  = "quorum_failed"
	ResultNotProposer = "not_proposer"
	ResultWon         = "won"
	ResultLost        = "lost"
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ProposalsTotal)
		prometheus.MustRegister(CampaignsTotal)
		prometheus.MustRegister(CommittedEntries)
		prometheus.MustRegister(StepDowns)
		prometheus.MustRegister(CommitIndex)
	})
}
