package api

// dashboardHTML is a minimal read-only status page: node list plus a
// periodic refresh against /nodes. There is no mutation form since this
// API has no mutating endpoints.
const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>shardkv cluster</title>
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #333; padding: 4px 8px; text-align: left; }
th { background: #222; }
.inactive { color: #f66; }
</style>
</head>
<body>
<h1>shardkv cluster</h1>
<table id="nodes">
<thead><tr><th>node</th><th>active</th><th>pool</th><th>errors</th><th>timeouts</th><th>peers-gen</th><th>partition-gen</th></tr></thead>
<tbody></tbody>
</table>
<script>
async function refresh() {
 const res = await fetch('/nodes');
 const nodes = await res.json();
 const body = document.querySelector('#nodes tbody');
 body.innerHTML = '';
 for (const n of (nodes || [])) {
 const row = document.createElement('tr');
 if (!n.active) row.className = 'inactive';
 row.innerHTML = '<td>' + n.name + '</td><td>' + n.active + '</td><td>' +
 n.pool_active + '/' + n.pool_idle + '/' + n.pool_total + '</td><td>' +
 n.error_count + '</td><td>' + n.timeout_count + '</td><td>' +
 n.peers_generation + '</td><td>' + n.partition_generation + '</td>';
 body.appendChild(row);
 }
}
refresh();
setInterval(refresh, 3000);
</script>
</body>
</html>`
