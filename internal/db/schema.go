package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- RESOURCE TABLE (files, folders, containers)
    -- ==========================================================================
    -- Record ids are the global entity ids.
    DEFINE TABLE IF NOT EXISTS resource SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON resource TYPE string;
    DEFINE FIELD IF NOT EXISTS labels ON resource TYPE array<string>;
    DEFINE FIELD IF NOT EXISTS location ON resource TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS project_code ON resource TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS folder_relative_path ON resource TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS folder_level ON resource TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS archived ON resource TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS uploader ON resource TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON resource TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS resource_labels ON resource FIELDS labels;
    DEFINE INDEX IF NOT EXISTS resource_lookup ON resource FIELDS project_code, folder_relative_path, name;

    -- ==========================================================================
    -- OWN RELATION (parent -> child)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS own TYPE RELATION IN resource OUT resource SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS created ON own TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS unique_key ON own VALUE <string>string::concat(<string>in, <string>out);
    DEFINE INDEX IF NOT EXISTS unique_own ON own FIELDS unique_key UNIQUE;

    -- ==========================================================================
    -- FILE_EVENT TABLE (outbox of dispatched work)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS file_event SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS event_type ON file_event TYPE string;
    DEFINE FIELD IF NOT EXISTS payload ON file_event TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created ON file_event TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS file_event_created ON file_event FIELDS created;

    -- ==========================================================================
    -- CACHE_ENTRY TABLE (lock and job ledger backend)
    -- ==========================================================================
    -- Record ids are the cache keys; expired rows are invisible to reads and
    -- removed by PurgeExpired.
    DEFINE TABLE IF NOT EXISTS cache_entry SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS key ON cache_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS value ON cache_entry TYPE bytes;
    DEFINE FIELD IF NOT EXISTS expires_at ON cache_entry TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS cache_entry_key ON cache_entry FIELDS key UNIQUE;
    DEFINE INDEX IF NOT EXISTS cache_entry_expiry ON cache_entry FIELDS expires_at;
`
