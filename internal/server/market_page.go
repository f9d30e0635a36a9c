package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// marketPageHandler serves the live market feed page: a single static
// page that subscribes to /ws and renders events as they happen.
func marketPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, marketPageHTML)
}

const marketPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Gavel — Live Market</title>
<style>
  body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; background: #0d1117; color: #c9d1d9; margin: 0; }
  header { padding: 24px 32px; border-bottom: 1px solid #21262d; display: flex; align-items: baseline; gap: 16px; }
  header h1 { margin: 0; font-size: 20px; color: #e6edf3; }
  header .status { font-size: 13px; color: #8b949e; }
  header .status.live { color: #3fb950; }
  main { max-width: 880px; margin: 0 auto; padding: 24px 32px; }
  .event { border: 1px solid #21262d; border-radius: 6px; padding: 12px 16px; margin-bottom: 8px; display: flex; gap: 12px; align-items: baseline; }
  .event .type { font-size: 12px; font-weight: 600; padding: 2px 8px; border-radius: 10px; white-space: nowrap; }
  .type-bid { background: #1f3a5f; color: #79c0ff; }
  .type-sale { background: #1b4332; color: #3fb950; }
  .type-dispute { background: #5a1e1e; color: #ff7b72; }
  .type-other { background: #2d2d2d; color: #8b949e; }
  .event .detail { font-size: 14px; overflow-wrap: anywhere; }
  .event .time { margin-left: auto; font-size: 12px; color: #8b949e; white-space: nowrap; }
  .empty { color: #8b949e; text-align: center; padding: 48px 0; }
</style>
</head>
<body>
<header>
  <h1>Gavel</h1>
  <span class="status" id="status">connecting…</span>
</header>
<main>
  <div id="feed"><div class="empty">Waiting for market activity…</div></div>
</main>
<script>
(function () {
  var feed = document.getElementById('feed');
  var status = document.getElementById('status');
  var empty = true;

  function badge(type) {
    if (type.indexOf('bid') === 0) return 'type-bid';
    if (type.indexOf('transaction') === 0 || type.indexOf('withdrawal') === 0) return 'type-sale';
    if (type.indexOf('dispute') === 0) return 'type-dispute';
    return 'type-other';
  }

  function describe(ev) {
    var d = ev.data || {};
    switch (ev.type) {
      case 'bid.placed':
        return d.bidder + ' bid ' + d.amount + ' ' + (d.currency || '') + ' on ' + d.listingId;
      case 'transaction.completed':
        return 'sale of ' + d.listingId + ' settled for ' + d.salePrice;
      case 'withdrawal.created':
        return d.beneficiary + ' credited ' + d.amount + ' (claimable)';
      case 'dispute.opened':
        return d.initiator + ' disputed ' + d.transactionId;
      case 'dispute.resolved':
        return 'dispute ' + d.disputeId + ' resolved: ' + d.status;
      default:
        return JSON.stringify(d);
    }
  }

  function render(ev) {
    if (empty) { feed.innerHTML = ''; empty = false; }
    var row = document.createElement('div');
    row.className = 'event';
    row.innerHTML = '<span class="type ' + badge(ev.type) + '">' + ev.type + '</span>' +
      '<span class="detail"></span><span class="time"></span>';
    row.querySelector('.detail').textContent = describe(ev);
    row.querySelector('.time').textContent = new Date(ev.timestamp).toLocaleTimeString();
    feed.insertBefore(row, feed.firstChild);
    while (feed.children.length > 100) feed.removeChild(feed.lastChild);
  }

  function connect() {
    var proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
    var ws = new WebSocket(proto + location.host + '/ws');
    ws.onopen = function () { status.textContent = 'live'; status.className = 'status live'; };
    ws.onmessage = function (msg) {
      try { render(JSON.parse(msg.data)); } catch (e) { /* ignore malformed frames */ }
    };
    ws.onclose = function () {
      status.textContent = 'reconnecting…'; status.className = 'status';
      setTimeout(connect, 3000);
    };
  }
  connect();
})();
</script>
</body>
</html>
`
