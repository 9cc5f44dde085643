package config

// Sample is the starter configuration written by `mint-watch init`.
const Sample = `version: 1

global:
  db_path: mint-watch.db
  concurrency: 8
  max_inflight_blocks: 4
  block_retries: 3
  retry_backoff: 500ms
  probe_timeout: 5s

sources:
  - id: soneium
    type: evm
    rpc_url: ${RPC_URL}
    # ws_url: wss://rpc.soneium.org/ws
    poll_interval: 2s
    confirmations: 0

detect:
  deployments: true
  mints: true
  interface_id: "0x80ac58cd"

alerts:
  - id: new_collections
    source: soneium
    signal: deployment
    sinks: [slack]
  - id: mints
    source: soneium
    signal: mint
    sinks: [slack]
    dedupe:
      key: contract:token_id
      ttl: 24h

sinks:
  - id: slack
    type: slack
    webhook_url: ${SLACK_WEBHOOK}
    template: "{{.Kind}} {{short_addr .Contract}} {{if .TokenID}}#{{.TokenID}} -> {{short_addr .To}}{{end}} @ {{.Height}}"
`
