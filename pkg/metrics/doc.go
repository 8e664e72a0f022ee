/*
Package metrics defines this process's Prometheus metrics and exposes
them over HTTP for scraping.

Metrics fall into four groups:

  - Job metrics: orchestrator_jobs_total{status} (current count per
    status, re-sampled each tick rather than incremented inline since
    a status's count falls when its jobs move on), orchestrator_queue_depth
    (pending+running jobs), orchestrator_jobs_submitted_total{mode} and
    orchestrator_jobs_failed_total{backend} (monotonic counters).
  - Backend metrics: orchestrator_backend_healthy{backend} mirrors the
    last execbackend.Backend.Health() result for each configured
    backend.
  - SSH session metrics: orchestrator_ssh_session_connected{backend}
    and orchestrator_ssh_session_idle_seconds{backend}, sampled off
    pkg/sshsession.Session.ConnectionInfo() for the remote Docker and
    SLURM backends.
  - API metrics: orchestrator_api_requests_total{method,status} and
    orchestrator_api_request_duration_seconds{method}.

Collector samples job and backend metrics on a ticker-driven background
loop. Handler returns the promhttp scrape handler, mounted at /metrics
alongside pkg/httpapi's /health.
*/
package metrics
