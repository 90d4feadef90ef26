package store

const schema = `
CREATE TABLE IF NOT EXISTS sources (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    active     BOOLEAN NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_records (
    id              TEXT PRIMARY KEY,
    source_id       TEXT NOT NULL REFERENCES sources(id),
    scenario_id     TEXT NOT NULL DEFAULT '',
    analyzed_at     DATETIME NOT NULL,
    schema_version  TEXT NOT NULL DEFAULT '',
    sentiment       REAL,
    topics          TEXT NOT NULL DEFAULT '[]',
    request_tokens  INTEGER,
    response_tokens INTEGER,
    provider        TEXT NOT NULL DEFAULT '',
    cost_micros     INTEGER,
    media_counts    TEXT NOT NULL DEFAULT '{}',
    reactions       INTEGER NOT NULL DEFAULT 0,
    comments        INTEGER NOT NULL DEFAULT 0,
    post_url        TEXT NOT NULL DEFAULT '',
    degraded        BOOLEAN NOT NULL DEFAULT 0,
    chain_id        TEXT NOT NULL DEFAULT '',
    raw_payload     TEXT NOT NULL DEFAULT '{}',
    idempotency_key TEXT,
    ingested_at     DATETIME NOT NULL,
    UNIQUE(idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_records_source_time ON analysis_records(source_id, analyzed_at);
CREATE INDEX IF NOT EXISTS idx_records_time ON analysis_records(analyzed_at);
CREATE INDEX IF NOT EXISTS idx_records_chain ON analysis_records(chain_id);
CREATE INDEX IF NOT EXISTS idx_records_scenario ON analysis_records(scenario_id);

CREATE TABLE IF NOT EXISTS topic_chains (
    id           TEXT PRIMARY KEY,
    source_id    TEXT NOT NULL REFERENCES sources(id),
    status       TEXT NOT NULL DEFAULT 'active',
    first_at     DATETIME NOT NULL,
    last_at      DATETIME NOT NULL,
    topic_counts TEXT NOT NULL DEFAULT '{}',
    member_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_chains_source_last ON topic_chains(source_id, last_at);
CREATE INDEX IF NOT EXISTS idx_chains_status ON topic_chains(status);
`
